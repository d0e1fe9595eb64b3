package http

import "strings"

func changeToUpperCase(s []byte) {
	for i, b := range s {
		if 'a' <= b && b <= 'z' {
			b -= 'a' - 'A'
			s[i] = b
		}
	}
}

//IsMethodHead if the method is `HEAD`
func IsMethodHead(method string) bool {
	return strings.EqualFold(method, "HEAD")
}
