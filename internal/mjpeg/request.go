package mjpeg

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"videohub/internal/camera"
)

var (
	// errLineTooLong は行が上限を超えたことを示す
	errLineTooLong = fmt.Errorf("%w: 行が長すぎます", camera.StatusMalformedRequest)

	// errTooManyHeaders はヘッダ行が多すぎることを示す
	errTooManyHeaders = fmt.Errorf("%w: ヘッダが多すぎます", camera.StatusMalformedRequest)
)

// route はリクエストの応答方法
type route int

const (
	routeNotFound route = iota
	routeJSON
	routeStream
	routeSnapshot
	routeCommand
)

func (r route) String() string {
	switch r {
	case routeJSON:
		return "json"
	case routeStream:
		return "stream"
	case routeSnapshot:
		return "snapshot"
	case routeCommand:
		return "command"
	default:
		return "not_found"
	}
}

// param はデコード済みのクエリパラメータ（出現順を保持する）
type param struct {
	key   string
	value string
}

// request は解析済みのリクエスト
type request struct {
	method string
	path   string
	params []param
	route  route
}

// lookup はキーの最後の値を返す
func (r *request) lookup(key string) (string, bool) {
	for i := len(r.params) - 1; i >= 0; i-- {
		if r.params[i].key == key {
			return r.params[i].value, true
		}
	}
	return "", false
}

// readLine は改行までの1行を読む（末尾の CR は取り除く）
//
// 改行を除いた長さが max を超えた時点で読み込みを打ち切り errLineTooLong を返す。
func readLine(r *bufio.Reader, max int) (string, error) {
	buf := make([]byte, 0, 128)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		buf = append(buf, b)
		// CR の分だけ1バイトの猶予を持たせる
		if len(buf) > max+1 {
			return "", errLineTooLong
		}
	}

	line := strings.TrimSuffix(string(buf), "\r")
	if len(line) > max {
		return "", errLineTooLong
	}
	return line, nil
}

// readRequest はリクエスト行とヘッダを読み、リクエスト行を解析する
//
// ヘッダの内容は使わないが、空行まで読み捨てる。
func readRequest(r *bufio.Reader, maxLine, maxHeaders int) (*request, error) {
	line, err := readLine(r, maxLine)
	if err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		if i >= maxHeaders {
			return nil, errTooManyHeaders
		}
		header, err := readLine(r, maxLine)
		if err != nil {
			return nil, err
		}
		if header == "" {
			break
		}
	}

	return parseRequestLine(line)
}

// parseRequestLine は "GET /path?query HTTP/1.1" 形式の行を解析する
func parseRequestLine(line string) (*request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: リクエスト行が不正です: %q", camera.StatusMalformedRequest, line)
	}

	req := &request{method: fields[0]}

	target := fields[1]
	rawQuery := ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target, rawQuery = target[:i], target[i+1:]
	}

	path, err := unescapePath(target)
	if err != nil {
		return nil, err
	}
	req.path = path

	params, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	req.params = params

	req.route, err = resolveRoute(req)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// unescapePath は RFC 3986 の %XX エスケープを復元する
//
// 途中で切れたエスケープや16進数でない文字は置換せずエラーにする。
func unescapePath(s string) (string, error) {
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("%w: パスのデコードに失敗: %v", camera.StatusMalformedRequest, err)
	}
	return out, nil
}

// parseQuery は "a=1&b=2" をデコードして出現順に返す
func parseQuery(raw string) ([]param, error) {
	if raw == "" {
		return nil, nil
	}

	var params []param
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("%w: パラメータ名のデコードに失敗: %v", camera.StatusMalformedRequest, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("%w: パラメータ %s のデコードに失敗: %v", camera.StatusMalformedRequest, k, err)
		}
		params = append(params, param{key: k, value: v})
	}
	return params, nil
}

// resolveRoute はパスと action パラメータから応答方法を決める
func resolveRoute(req *request) (route, error) {
	r := routeNotFound
	switch req.path {
	case "/stream.mjpg", "/stream.mjpeg", "/video":
		r = routeStream
	case "/", "", "/settings.json", "/input_0.json":
		r = routeJSON
	case "/snapshot.jpg", "/snapshot":
		r = routeSnapshot
	case "/command", "/command.json":
		r = routeCommand
	}

	if action, ok := req.lookup("action"); ok && (req.path == "/" || req.path == "") {
		switch action {
		case "stream":
			r = routeStream
		case "snapshot":
			r = routeSnapshot
		case "command":
			r = routeCommand
		default:
			return routeNotFound, fmt.Errorf("%w: 不明な action %q", camera.StatusMalformedRequest, action)
		}
	}
	return r, nil
}

// isMalformed はエラーがクライアント起因の不正リクエストかを返す
func isMalformed(err error) bool {
	return errors.Is(err, camera.StatusMalformedRequest)
}
