package http

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/haxii/fastduplex/util"
)

var (
	errRespLineNOProtocol   = errors.New("no protocol provided")
	errRespLineNOStatusCode = errors.New("no status code provided")
	errReqLineNOMethod      = errors.New("no method provided")
	errReqLineNOURI         = errors.New("no request uri provided")
	errUnsupportedProtocol  = errors.New("unsupported protocol")
)

// parseResponseLine parse response line
// The first line of a response message is the status-line, consisting
// of the protocol version, a space (SP), the status code, another
// space, a possibly empty textual phrase describing the status code,
// and ending with CRLF.
//
// status-line = HTTP-version SP status-code SP reason-phrase CRLF
func parseResponseLine(reader *bufio.Reader, head *ResponseHead) error {
	respLine, err := parseStartLine(reader)
	if err != nil {
		return err
	}

	// http version token
	protocolEndIndex := bytes.IndexByte(respLine, ' ')
	if protocolEndIndex <= 0 {
		return errRespLineNOProtocol
	}
	proto, err := checkProto(respLine[:protocolEndIndex])
	if err != nil {
		return err
	}
	head.Proto = proto

	// 3-digit status code, the reason phrase may be absent altogether
	rest := respLine[protocolEndIndex+1:]
	statusCode := rest
	var reason []byte
	if i := bytes.IndexByte(rest, ' '); i >= 0 {
		statusCode, reason = rest[:i], rest[i+1:]
	}
	if len(statusCode) != 3 {
		return errRespLineNOStatusCode
	}
	code, err := strconv.Atoi(string(statusCode))
	if err != nil || code < 100 {
		return util.ErrWrapper(err, "fail to parse status status code %s", statusCode)
	}
	head.StatusCode = code
	head.Reason = string(reason)
	return nil
}

// parseRequestLine parse request line
//
// A request-line begins with a method token, followed by a single space
// (SP), the request-target, another single space (SP), the protocol
// version, and ends with CRLF.
func parseRequestLine(reader *bufio.Reader, head *RequestHead) error {
	reqLine, err := parseStartLine(reader)
	if err != nil {
		return err
	}

	// method token
	methodEndIndex := bytes.IndexByte(reqLine, ' ')
	if methodEndIndex <= 0 {
		return errReqLineNOMethod
	}
	method := reqLine[:methodEndIndex]
	changeToUpperCase(method)
	if !httpguts.ValidHeaderFieldName(string(method)) {
		return errors.Errorf("invalid method %q", method)
	}

	// request target
	reqURIStartIndex := methodEndIndex + 1
	reqURIEndIndex := reqURIStartIndex + bytes.IndexByte(reqLine[reqURIStartIndex:], ' ')
	if reqURIEndIndex <= reqURIStartIndex {
		return errReqLineNOURI
	}

	proto, err := checkProto(reqLine[reqURIEndIndex+1:])
	if err != nil {
		return err
	}
	head.Method = string(method)
	head.URI = string(reqLine[reqURIStartIndex:reqURIEndIndex])
	head.Proto = proto
	return nil
}

func checkProto(p []byte) (string, error) {
	switch string(p) {
	case ProtoHTTP11:
		return ProtoHTTP11, nil
	case ProtoHTTP10:
		return ProtoHTTP10, nil
	}
	if bytes.HasPrefix(p, []byte("HTTP/1.")) {
		return string(p), nil
	}
	return "", errors.Wrapf(errUnsupportedProtocol, "%q", p)
}

// parseStartLine returns the start line without CRLF, leading empty
// lines are skipped as RFC 7230 3.5 suggests
func parseStartLine(reader *bufio.Reader) ([]byte, error) {
	for {
		line, err := reader.ReadSlice('\n')
		if err != nil {
			if err == io.EOF && len(line) == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			if err == bufio.ErrBufferFull {
				return nil, errHeaderTooLarge
			}
			return nil, util.ErrWrapper(err, "fail to read start line")
		}
		line = trimCRLF(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func writeRequestLine(w *bufio.Writer, head *RequestHead) error {
	if !httpguts.ValidHeaderFieldName(head.Method) {
		return errors.Errorf("invalid method %q", head.Method)
	}
	uri := head.URI
	if uri == "" {
		uri = "/"
	}
	if strings.ContainsAny(uri, " \r\n") {
		return errors.Errorf("invalid request uri %q", uri)
	}
	w.WriteString(head.Method)
	w.WriteByte(' ')
	w.WriteString(uri)
	w.WriteByte(' ')
	w.WriteString(protoOrDefault(head.Proto))
	_, err := w.WriteString("\r\n")
	return err
}

func writeResponseLine(w *bufio.Writer, head *ResponseHead) error {
	if head.StatusCode < 100 || head.StatusCode > 999 {
		return errors.Errorf("invalid status code %d", head.StatusCode)
	}
	w.WriteString(protoOrDefault(head.Proto))
	w.WriteByte(' ')
	w.WriteString(strconv.Itoa(head.StatusCode))
	w.WriteByte(' ')
	w.WriteString(head.Reason)
	_, err := w.WriteString("\r\n")
	return err
}

func protoOrDefault(p string) string {
	if p == "" {
		return ProtoHTTP11
	}
	return p
}
