package tunproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// clientHello builds a minimal TLS ClientHello record carrying host in the
// server_name extension.
func clientHello(host string) []byte {
	name := []byte(host)

	sni := make([]byte, 0, len(name)+5)
	sni = append(sni, byte((len(name)+3)>>8), byte(len(name)+3)) // server_name_list length
	sni = append(sni, 0)                                       // host_name
	sni = append(sni, byte(len(name)>>8), byte(len(name)))
	sni = append(sni, name...)

	ext := make([]byte, 0, len(sni)+4)
	ext = append(ext, 0x00, 0x00) // server_name extension
	ext = append(ext, byte(len(sni)>>8), byte(len(sni)))
	ext = append(ext, sni...)

	body := make([]byte, 0, 64+len(ext))
	body = append(body, 0x03, 0x03)          // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session_id length
	body = append(body, 0x00, 0x02, 0x00, 0x2f)
	body = append(body, 0x01, 0x00) // compression
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	hs := append([]byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	rec := append([]byte{0x16, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}, hs...)
	return rec
}

func TestSniffSNI(t *testing.T) {
	assert.Equal(t, "www.example.com", sniffSNI(clientHello("www.Example.COM")))
	assert.Equal(t, "a.b.c", sniffHost(clientHello("a.b.c")))
}

func TestSniffSNIRejectsNonTLS(t *testing.T) {
	assert.Empty(t, sniffSNI([]byte("GET / HTTP/1.1\r\n")))
	assert.Empty(t, sniffSNI([]byte{0x16, 0x03}))
	assert.Empty(t, sniffSNI(nil))

	// valid record type but not a ClientHello
	assert.Empty(t, sniffSNI([]byte{0x16, 0x03, 0x01, 0x00, 0x04, 0x02, 0x00, 0x00, 0x00}))
}

func TestSniffSNITruncated(t *testing.T) {
	hello := clientHello("www.example.com")
	// cut inside the extension block
	assert.Empty(t, sniffSNI(hello[:len(hello)-6]))
}

func TestSniffHTTPHost(t *testing.T) {
	req := "GET /index.html HTTP/1.1\r\nUser-Agent: curl/8.0\r\nHost: Example.COM\r\nAccept: */*\r\n\r\n"
	assert.Equal(t, "example.com", sniffHTTPHost([]byte(req)))
	assert.Equal(t, "example.com", sniffHost([]byte(req)))
}

func TestSniffHTTPHostStripsPort(t *testing.T) {
	req := "POST /api HTTP/1.0\r\nHost: example.com:8080\r\n\r\n"
	assert.Equal(t, "example.com", sniffHTTPHost([]byte(req)))
}

func TestSniffHTTPHostRejectsNonRequests(t *testing.T) {
	assert.Empty(t, sniffHTTPHost([]byte("HTTP/1.1 200 OK\r\nHost: example.com\r\n\r\n")))
	assert.Empty(t, sniffHTTPHost([]byte("GET / HTTP/2\r\nHost: example.com\r\n\r\n")))
	assert.Empty(t, sniffHTTPHost([]byte("no request line here")))
	assert.Empty(t, sniffHTTPHost(nil))
}

func TestSniffHostMissingHeader(t *testing.T) {
	assert.Empty(t, sniffHost([]byte("GET / HTTP/1.1\r\nAccept: */*\r\n\r\n")))
}
