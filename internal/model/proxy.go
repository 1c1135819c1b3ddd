package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

type Protocol string

const (
	ProtocolSS        Protocol = "ss"
	ProtocolSSR       Protocol = "ssr"
	ProtocolVMess     Protocol = "vmess"
	ProtocolVLESS     Protocol = "vless"
	ProtocolTrojan    Protocol = "trojan"
	ProtocolHysteria  Protocol = "hysteria"
	ProtocolHysteria2 Protocol = "hysteria2"
	ProtocolTUIC      Protocol = "tuic"
	ProtocolWireGuard Protocol = "wireguard"
)

// Protocols lists every protocol the decoders can produce, in a stable order.
var Protocols = []Protocol{
	ProtocolSS,
	ProtocolSSR,
	ProtocolVMess,
	ProtocolVLESS,
	ProtocolTrojan,
	ProtocolHysteria,
	ProtocolHysteria2,
	ProtocolTUIC,
	ProtocolWireGuard,
}

type KV struct {
	Key   string
	Value string
}

// Proxy is one decoded node. Which credential fields are meaningful depends on
// Type; Validate enforces the required subset per protocol.
type Proxy struct {
	Type Protocol

	// Name comes from the link fragment or remarks. It may be empty or collide
	// with other nodes until the transform phase assigns unique names.
	Name string

	Server string
	Port   int

	// ss / ssr / trojan / hysteria2 / tuic
	Cipher   string
	Password string

	// ss SIP002 plugin; options keep link order.
	PluginName string
	PluginOpts []KV

	// ssr
	SSRProtocol      string
	SSRProtocolParam string
	Obfs             string // ssr obfs, hysteria obfs, hysteria2 obfs type
	ObfsParam        string // ssr obfs param, hysteria2 obfs-password

	// vmess / vless / tuic
	UUID    string
	AlterID int
	Flow    string // vless

	// vless reality
	RealityPublicKey string
	RealityShortID   string
	Fingerprint      string

	// hysteria
	Auth     string
	UpMbps   int
	DownMbps int

	// tuic
	CongestionControl string
	UDPRelayMode      string

	ALPN []string

	// wireguard
	PrivateKey   string
	PublicKey    string
	PresharedKey string
	Address      []string
	MTU          int
	DNS          []string

	// Transport. Network is one of tcp/ws/h2/grpc/quic; Path holds the grpc
	// service name when Network is grpc.
	Network string
	Host    string
	Path    string

	TLS            bool
	SNI            string
	SkipCertVerify bool

	UDP bool
	TFO bool
}

var (
	errEmptyServer     = errors.New("empty server")
	errPortRange       = errors.New("port out of range")
	errMissingCipher   = errors.New("missing cipher or password")
	errMissingUUID     = errors.New("missing uuid")
	errMissingPassword = errors.New("missing password")
	errMissingAuth     = errors.New("missing auth")
	errMissingSSRField = errors.New("missing ssr protocol or obfs")
	errMissingKeys     = errors.New("missing private or public key")
	errControlChars    = errors.New("name contains control chars")
)

// Validate checks the invariant that server, port and the credential fields
// required by the protocol are present.
func (p Proxy) Validate() error {
	if strings.TrimSpace(p.Server) == "" {
		return errEmptyServer
	}
	if p.Port < 1 || p.Port > 65535 {
		return errPortRange
	}
	if strings.ContainsAny(p.Name, "\r\n\x00") {
		return errControlChars
	}
	switch p.Type {
	case ProtocolSS:
		if p.Cipher == "" || p.Password == "" {
			return errMissingCipher
		}
	case ProtocolSSR:
		if p.Cipher == "" || p.Password == "" {
			return errMissingCipher
		}
		if p.SSRProtocol == "" || p.Obfs == "" {
			return errMissingSSRField
		}
	case ProtocolVMess, ProtocolVLESS:
		if p.UUID == "" {
			return errMissingUUID
		}
	case ProtocolTrojan, ProtocolHysteria2:
		if p.Password == "" {
			return errMissingPassword
		}
	case ProtocolHysteria:
		if p.Auth == "" {
			return errMissingAuth
		}
	case ProtocolTUIC:
		if p.UUID == "" {
			return errMissingUUID
		}
		if p.Password == "" {
			return errMissingPassword
		}
	case ProtocolWireGuard:
		if p.PrivateKey == "" || p.PublicKey == "" {
			return errMissingKeys
		}
	default:
		return errors.New("unknown protocol: " + string(p.Type))
	}
	return nil
}

// IdentityKey is the structural identity used for de-duplication:
// protocol, lower-cased server, port and a hash over the credential fields.
func (p Proxy) IdentityKey() string {
	var b strings.Builder
	b.WriteString(string(p.Type))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(p.Server)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.Port))
	b.WriteByte('|')
	b.WriteString(p.credentialHash())
	return b.String()
}

func (p Proxy) credentialHash() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(strings.ToLower(p.Cipher))
	write(p.Password)
	write(p.PluginName)
	for _, kv := range p.PluginOpts {
		write(kv.Key + "=" + kv.Value)
	}
	write(p.SSRProtocol)
	write(p.Obfs)
	write(p.UUID)
	write(p.Auth)
	write(p.PrivateKey)
	write(p.PublicKey)
	return hex.EncodeToString(h.Sum(nil)[:8])
}
