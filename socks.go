package tunproxy

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yinghuocho/gosocks"
)

// newSocksDialer builds the upstream SOCKS5 dialer for the configured
// server: anonymous when no credentials are set, RFC 1929
// username/password otherwise.
func newSocksDialer(cfg Config) *gosocks.SocksDialer {
	var auth gosocks.ClientAuthenticator
	if cfg.auth() {
		auth = &passwordClientAuthenticator{
			username: cfg.Username,
			password: cfg.Password,
		}
	} else {
		auth = &gosocks.AnonymousClientAuthenticator{}
	}
	return &gosocks.SocksDialer{
		Auth:    auth,
		Timeout: cfg.HandshakeTimeout,
	}
}

func socksServerAddr(cfg Config) string {
	return net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
}

// passwordClientAuthenticator runs the RFC 1929 username/password
// subnegotiation. It offers both no-auth (0x00) and username/password
// (0x02) and accepts whichever the server selects.
type passwordClientAuthenticator struct {
	username string
	password string
}

const (
	socksMethodNone         = 0x00
	socksMethodUserPass     = 0x02
	socksMethodNoAcceptable = 0xff
)

func (a *passwordClientAuthenticator) ClientAuthenticate(conn *gosocks.SocksConn) error {
	conn.SetWriteDeadline(time.Now().Add(conn.Timeout))
	if _, err := conn.Write([]byte{gosocks.SocksVersion, 2, socksMethodNone, socksMethodUserPass}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(conn.Timeout))
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		return err
	}
	if sel[0] != gosocks.SocksVersion {
		return fmt.Errorf("unexpected SOCKS version %d", sel[0])
	}

	switch sel[1] {
	case socksMethodNone:
		return nil
	case socksMethodUserPass:
		return a.subnegotiate(conn)
	}
	return fmt.Errorf("no acceptable auth method: %d", sel[1])
}

func (a *passwordClientAuthenticator) subnegotiate(conn *gosocks.SocksConn) error {
	if len(a.username) > 255 || len(a.password) > 255 {
		return fmt.Errorf("credentials exceed 255 bytes")
	}
	req := make([]byte, 0, 3+len(a.username)+len(a.password))
	req = append(req, 0x01, byte(len(a.username)))
	req = append(req, a.username...)
	req = append(req, byte(len(a.password)))
	req = append(req, a.password...)

	conn.SetWriteDeadline(time.Now().Add(conn.Timeout))
	if _, err := conn.Write(req); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(conn.Timeout))
	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("username/password auth rejected: status %d", resp[1])
	}
	return nil
}

// socksConnect runs the CONNECT request on an authenticated SOCKS
// connection. host may be a hostname (ATYP=3) or an IP literal (ATYP=1/4).
func socksConnect(conn *gosocks.SocksConn, host string, port uint16) error {
	hostType := byte(gosocks.SocksDomainHost)
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			hostType = gosocks.SocksIPv4Host
		} else {
			hostType = gosocks.SocksIPv6Host
		}
	} else if len(host) > 255 {
		return &ConnectionFailedError{Detail: "domain exceeds 255 bytes"}
	}

	_, err := gosocks.WriteSocksRequest(conn, &gosocks.SocksRequest{
		Cmd:      gosocks.SocksCmdConnect,
		HostType: hostType,
		DstHost:  host,
		DstPort:  port,
	})
	if err != nil {
		return &ConnectionFailedError{Detail: "send CONNECT", Err: err}
	}
	reply, err := gosocks.ReadSocksReply(conn)
	if err != nil {
		return &ConnectionFailedError{Detail: "read CONNECT reply", Err: err}
	}
	if reply.Rep != gosocks.SocksSucceeded {
		return &ConnectionFailedError{Detail: fmt.Sprintf("CONNECT refused, retcode %d", reply.Rep)}
	}
	return nil
}
