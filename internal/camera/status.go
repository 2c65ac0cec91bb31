package camera

import (
	"errors"
	"fmt"

	"videohub/internal/handle"
)

// Status は呼び出し側へ返す帯域外ステータスコード（0 が成功）
type Status int

const (
	StatusOK                   Status = 0
	StatusInvalidHandle        Status = -2000
	StatusWrongHandleKind      Status = -2001
	StatusPropertyNotFound     Status = -2002
	StatusWrongPropertyType    Status = -2003
	StatusReadFailed           Status = -2004
	StatusSourceDisconnected   Status = -2005
	StatusNetworkAcceptFailure Status = -2006
	StatusMalformedRequest     Status = -2007
	StatusHandlerNotSet        Status = -2008
	StatusModeNotSupported     Status = -2009
	StatusPropertyWriteFailed  Status = -2010
	StatusUnknown              Status = -2099
)

var statusText = map[Status]string{
	StatusOK:                   "成功",
	StatusInvalidHandle:        "無効なハンドル",
	StatusWrongHandleKind:      "ハンドルの種類が一致しません",
	StatusPropertyNotFound:     "プロパティが見つかりません",
	StatusWrongPropertyType:    "プロパティの型が一致しません",
	StatusReadFailed:           "読み取りに失敗しました",
	StatusSourceDisconnected:   "ソースが切断されています",
	StatusNetworkAcceptFailure: "接続の受け付けに失敗しました",
	StatusMalformedRequest:     "不正なリクエスト",
	StatusHandlerNotSet:        "ハンドラが設定されていません",
	StatusModeNotSupported:     "サポートされていないビデオモード",
	StatusPropertyWriteFailed:  "プロパティの書き込みに失敗しました",
	StatusUnknown:              "不明なエラー",
}

// Error はステータスを error として扱えるようにする
func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("ステータス %d", int(s))
}

// StatusOf はエラーをステータスコードへ変換する
//
// ラップされた Status やハンドルテーブルのエラーも辿る。nil は StatusOK になる。
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var status Status
	if errors.As(err, &status) {
		return status
	}

	switch {
	case errors.Is(err, handle.ErrWrongKind):
		return StatusWrongHandleKind
	case errors.Is(err, handle.ErrInvalidHandle), errors.Is(err, handle.ErrTableFull):
		return StatusInvalidHandle
	default:
		return StatusUnknown
	}
}
