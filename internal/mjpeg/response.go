package mjpeg

import (
	"bufio"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"videohub/internal/camera"
)

const (
	boundary     = "boundarydonotcross"
	serverHeader = "VideoHub-MJPEG/1.0"
)

// sendHeader は HTTP/1.0 の応答ヘッダを書き込む
//
// extra は "Name: value\r\n" 形式の追加ヘッダで、空でもよい。
func sendHeader(w *bufio.Writer, code int, contentType, extra string) error {
	fmt.Fprintf(w, "HTTP/1.0 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(w, "Server: %s\r\n", serverHeader)
	w.WriteString("Cache-Control: no-store, no-cache, must-revalidate, pre-check=0, post-check=0, max-age=0\r\n")
	w.WriteString("Pragma: no-cache\r\n")
	w.WriteString("Expires: Mon, 3 Jan 2000 12:34:56 GMT\r\n")
	if contentType != "" {
		fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
	}
	w.WriteString("Access-Control-Allow-Origin: *\r\n")
	w.WriteString("Connection: close\r\n")
	w.WriteString(extra)
	w.WriteString("\r\n")
	return w.Flush()
}

// sendError は全てのプロトコルエラーで共通のエラー応答を書き込む
func sendError(w *bufio.Writer, code int, message string) error {
	body := fmt.Sprintf("%d: %s\r\n%s\r\n", code, http.StatusText(code), message)
	extra := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n"
	if err := sendHeader(w, code, "text/plain; charset=utf-8", extra); err != nil {
		return err
	}
	w.WriteString(body)
	return w.Flush()
}

// jsonControl はプロパティ1つ分の JSON 表現
type jsonControl struct {
	Name    string            `json:"name"`
	ID      int32             `json:"id"`
	Type    string            `json:"type"`
	Min     int               `json:"min"`
	Max     int               `json:"max"`
	Step    int               `json:"step"`
	Default int               `json:"default"`
	Value   int               `json:"value"`
	String  string            `json:"string,omitempty"`
	Menu    map[string]string `json:"menu,omitempty"`
}

// jsonDocument は JSON 応答の文書
type jsonDocument struct {
	Sink        string             `json:"sink"`
	Source      string             `json:"source,omitempty"`
	Description string             `json:"description,omitempty"`
	Connected   bool               `json:"connected"`
	Mode        *camera.VideoMode  `json:"mode,omitempty"`
	Modes       []camera.VideoMode `json:"modes"`
	Controls    []jsonControl      `json:"controls"`
}

// buildDocument はソースの現在のモード・モード一覧・プロパティから文書を組み立てる
func buildDocument(sinkName string, src *camera.Source) jsonDocument {
	doc := jsonDocument{
		Sink:     sinkName,
		Modes:    []camera.VideoMode{},
		Controls: []jsonControl{},
	}
	if src == nil {
		return doc
	}

	mode := src.VideoMode()
	doc.Source = src.Name()
	doc.Description = src.Description()
	doc.Connected = src.IsConnected()
	doc.Mode = &mode
	doc.Modes = append(doc.Modes, src.VideoModes()...)

	for _, p := range src.Properties() {
		info := p.Info()
		ctrl := jsonControl{
			Name:    info.Name,
			ID:      int32(info.Handle),
			Type:    info.Kind.String(),
			Min:     info.Min,
			Max:     info.Max,
			Step:    info.Step,
			Default: info.Default,
			Value:   info.Value,
			String:  info.String,
		}
		if len(info.Choices) > 0 {
			ctrl.Menu = make(map[string]string, len(info.Choices))
			for i, c := range info.Choices {
				ctrl.Menu[strconv.Itoa(i)] = c
			}
		}
		doc.Controls = append(doc.Controls, ctrl)
	}
	return doc
}

// sendJSON は JSON 文書を1回の応答として書き込む
func sendJSON(w *bufio.Writer, sinkName string, src *camera.Source) error {
	body, err := json.Marshal(buildDocument(sinkName, src))
	if err != nil {
		return fmt.Errorf("JSONのエンコードに失敗: %w", err)
	}
	extra := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n"
	if err := sendHeader(w, http.StatusOK, "application/json", extra); err != nil {
		return err
	}
	w.Write(body)
	return w.Flush()
}

// sendText は短いテキスト応答を書き込む
func sendText(w *bufio.Writer, text string) error {
	extra := "Content-Length: " + strconv.Itoa(len(text)) + "\r\n"
	if err := sendHeader(w, http.StatusOK, "text/plain", extra); err != nil {
		return err
	}
	w.WriteString(text)
	return w.Flush()
}

// sendSnapshot は JPEG 1枚を単独の応答として書き込む
func sendSnapshot(w *bufio.Writer, data []byte, timestamp uint64) error {
	extra := "Content-Length: " + strconv.Itoa(len(data)) + "\r\n" +
		"X-Timestamp: " + formatTimestamp(timestamp) + "\r\n"
	if err := sendHeader(w, http.StatusOK, "image/jpeg", extra); err != nil {
		return err
	}
	w.Write(data)
	return w.Flush()
}

// writePart はマルチパートの1フレーム分を書き込む
func writePart(w *bufio.Writer, data []byte, timestamp uint64) error {
	fmt.Fprintf(w, "--%s\r\n", boundary)
	w.WriteString("Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(data))
	fmt.Fprintf(w, "X-Timestamp: %s\r\n", formatTimestamp(timestamp))
	w.WriteString("\r\n")
	w.Write(data)
	w.WriteString("\r\n")
	return w.Flush()
}

// formatTimestamp はマイクロ秒を "秒.マイクロ秒" 形式にする
func formatTimestamp(micros uint64) string {
	return fmt.Sprintf("%d.%06d", micros/1_000_000, micros%1_000_000)
}
