package tunproxy

import (
	"strings"
)

// sniffHost extracts a destination hostname from the first payload bytes of
// a client-to-server stream: the SNI of a TLS ClientHello, or the Host
// header of a plaintext HTTP request. Returns "" when neither applies.
func sniffHost(payload []byte) string {
	if host := sniffSNI(payload); host != "" {
		return host
	}
	return sniffHTTPHost(payload)
}

// sniffSNI walks a TLS ClientHello record to the server_name extension.
// Tolerates a partial record as long as the extension block is present.
func sniffSNI(data []byte) string {
	// TLS record: type(1) version(2) length(2)
	if len(data) < 5 || data[0] != 0x16 {
		return ""
	}
	// handshake: type(1) length(3)
	p := data[5:]
	if len(p) < 4 || p[0] != 0x01 {
		return ""
	}
	p = p[4:]
	// client_version(2) random(32)
	if len(p) < 34 {
		return ""
	}
	p = p[34:]
	// session_id
	if len(p) < 1 {
		return ""
	}
	sidLen := int(p[0])
	if len(p) < 1+sidLen {
		return ""
	}
	p = p[1+sidLen:]
	// cipher_suites
	if len(p) < 2 {
		return ""
	}
	csLen := int(p[0])<<8 | int(p[1])
	if len(p) < 2+csLen {
		return ""
	}
	p = p[2+csLen:]
	// compression_methods
	if len(p) < 1 {
		return ""
	}
	cmLen := int(p[0])
	if len(p) < 1+cmLen {
		return ""
	}
	p = p[1+cmLen:]
	// extensions
	if len(p) < 2 {
		return ""
	}
	extLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if extLen < len(p) {
		p = p[:extLen]
	}
	for len(p) >= 4 {
		typ := int(p[0])<<8 | int(p[1])
		l := int(p[2])<<8 | int(p[3])
		p = p[4:]
		if len(p) < l {
			return ""
		}
		if typ == 0x00 { // server_name
			return parseSNIExtension(p[:l])
		}
		p = p[l:]
	}
	return ""
}

func parseSNIExtension(ext []byte) string {
	// server_name_list length(2), then entries of type(1) length(2) name
	if len(ext) < 2 {
		return ""
	}
	ext = ext[2:]
	for len(ext) >= 3 {
		typ := ext[0]
		l := int(ext[1])<<8 | int(ext[2])
		ext = ext[3:]
		if len(ext) < l {
			return ""
		}
		if typ == 0 { // host_name
			return strings.ToLower(string(ext[:l]))
		}
		ext = ext[l:]
	}
	return ""
}

// sniffHTTPHost reads the Host header out of an HTTP/1.x request head.
func sniffHTTPHost(data []byte) string {
	head := data
	if len(head) > 2048 {
		head = head[:2048]
	}
	text := string(head)
	lineEnd := strings.Index(text, "\r\n")
	if lineEnd < 0 {
		return ""
	}
	if !isHTTPRequestLine(text[:lineEnd]) {
		return ""
	}
	for _, line := range strings.Split(text[lineEnd+2:], "\r\n") {
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(name), "Host") {
				host := strings.TrimSpace(value)
				// strip an explicit port
				if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host, "]") {
					host = host[:i]
				}
				return strings.ToLower(host)
			}
		}
	}
	return ""
}

var httpMethods = []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE "}

func isHTTPRequestLine(line string) bool {
	for _, m := range httpMethods {
		if strings.HasPrefix(line, m) {
			return strings.HasSuffix(line, "HTTP/1.1") || strings.HasSuffix(line, "HTTP/1.0")
		}
	}
	return false
}
