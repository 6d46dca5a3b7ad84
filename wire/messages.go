package wire

import (
	"fmt"
)

// Message type codes, RFC 4250 Section 4.1.2.
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6

	MsgKexInit byte = 20
	MsgNewKeys byte = 21

	// Key exchange method specific range (30..49). The ECDH/DH exchanges
	// implemented here use only the first two codes of the range.
	MsgKexECDHInit  byte = 30
	MsgKexECDHReply byte = 31

	MsgUserauthRequest byte = 50
	MsgUserauthFailure byte = 51
	MsgUserauthSuccess byte = 52
	MsgUserauthBanner  byte = 53

	// Method specific: SSH_MSG_USERAUTH_PK_OK and
	// SSH_MSG_USERAUTH_INFO_REQUEST share code 60.
	MsgUserauthPubKeyOK     byte = 60
	MsgUserauthInfoRequest  byte = 60
	MsgUserauthInfoResponse byte = 61

	MsgGlobalRequest  byte = 80
	MsgRequestSuccess byte = 81
	MsgRequestFailure byte = 82

	MsgChannelOpen         byte = 90
	MsgChannelOpenConfirm  byte = 91
	MsgChannelOpenFailure  byte = 92
	MsgChannelWindowAdjust byte = 93
	MsgChannelData         byte = 94
	MsgChannelExtendedData byte = 95
	MsgChannelEOF          byte = 96
	MsgChannelClose        byte = 97
	MsgChannelRequest      byte = 98
	MsgChannelSuccess      byte = 99
	MsgChannelFailure      byte = 100
)

// Disconnect reason codes, RFC 4253 Section 11.1.
const (
	DisconnectHostNotAllowed        uint32 = 1
	DisconnectProtocolError         uint32 = 2
	DisconnectKeyExchangeFailed     uint32 = 3
	DisconnectReserved              uint32 = 4
	DisconnectMACError              uint32 = 5
	DisconnectCompressionError      uint32 = 6
	DisconnectServiceNotAvailable   uint32 = 7
	DisconnectProtocolVersion       uint32 = 8
	DisconnectHostKeyNotVerifiable  uint32 = 9
	DisconnectConnectionLost        uint32 = 10
	DisconnectByApplication         uint32 = 11
	DisconnectTooManyConnections    uint32 = 12
	DisconnectAuthCancelledByUser   uint32 = 13
	DisconnectNoMoreAuthMethods     uint32 = 14
	DisconnectIllegalUserName       uint32 = 15
)

// Channel open failure reason codes, RFC 4254 Section 5.1.
const (
	OpenAdministrativelyProhibited uint32 = 1
	OpenConnectFailed              uint32 = 2
	OpenUnknownChannelType         uint32 = 3
	OpenResourceShortage           uint32 = 4
)

// Extended data type codes, RFC 4254 Section 5.2.
const (
	ExtendedDataStderr uint32 = 1
)

// Message is implemented by every typed SSH message.
// Marshal includes the leading type code byte.
type Message interface {
	MessageType() byte
	Marshal() []byte
}

// TypeName returns a human-readable name for a message type code, for logs.
func TypeName(code byte) string {
	switch code {
	case MsgDisconnect:
		return "SSH_MSG_DISCONNECT"
	case MsgIgnore:
		return "SSH_MSG_IGNORE"
	case MsgUnimplemented:
		return "SSH_MSG_UNIMPLEMENTED"
	case MsgDebug:
		return "SSH_MSG_DEBUG"
	case MsgServiceRequest:
		return "SSH_MSG_SERVICE_REQUEST"
	case MsgServiceAccept:
		return "SSH_MSG_SERVICE_ACCEPT"
	case MsgKexInit:
		return "SSH_MSG_KEXINIT"
	case MsgNewKeys:
		return "SSH_MSG_NEWKEYS"
	case MsgKexECDHInit:
		return "SSH_MSG_KEX_ECDH_INIT"
	case MsgKexECDHReply:
		return "SSH_MSG_KEX_ECDH_REPLY"
	case MsgUserauthRequest:
		return "SSH_MSG_USERAUTH_REQUEST"
	case MsgUserauthFailure:
		return "SSH_MSG_USERAUTH_FAILURE"
	case MsgUserauthSuccess:
		return "SSH_MSG_USERAUTH_SUCCESS"
	case MsgUserauthBanner:
		return "SSH_MSG_USERAUTH_BANNER"
	case MsgUserauthInfoRequest:
		return "SSH_MSG_USERAUTH_60"
	case MsgUserauthInfoResponse:
		return "SSH_MSG_USERAUTH_INFO_RESPONSE"
	case MsgGlobalRequest:
		return "SSH_MSG_GLOBAL_REQUEST"
	case MsgRequestSuccess:
		return "SSH_MSG_REQUEST_SUCCESS"
	case MsgRequestFailure:
		return "SSH_MSG_REQUEST_FAILURE"
	case MsgChannelOpen:
		return "SSH_MSG_CHANNEL_OPEN"
	case MsgChannelOpenConfirm:
		return "SSH_MSG_CHANNEL_OPEN_CONFIRMATION"
	case MsgChannelOpenFailure:
		return "SSH_MSG_CHANNEL_OPEN_FAILURE"
	case MsgChannelWindowAdjust:
		return "SSH_MSG_CHANNEL_WINDOW_ADJUST"
	case MsgChannelData:
		return "SSH_MSG_CHANNEL_DATA"
	case MsgChannelExtendedData:
		return "SSH_MSG_CHANNEL_EXTENDED_DATA"
	case MsgChannelEOF:
		return "SSH_MSG_CHANNEL_EOF"
	case MsgChannelClose:
		return "SSH_MSG_CHANNEL_CLOSE"
	case MsgChannelRequest:
		return "SSH_MSG_CHANNEL_REQUEST"
	case MsgChannelSuccess:
		return "SSH_MSG_CHANNEL_SUCCESS"
	case MsgChannelFailure:
		return "SSH_MSG_CHANNEL_FAILURE"
	default:
		return fmt.Sprintf("SSH_MSG_%d", code)
	}
}

// Disconnect terminates the session with a reason code.
type Disconnect struct {
	Reason   uint32
	Message  string
	Language string
}

func (m *Disconnect) MessageType() byte { return MsgDisconnect }

func (m *Disconnect) Marshal() []byte {
	return NewWriter().Byte(MsgDisconnect).
		Uint32(m.Reason).String(m.Message).String(m.Language).Out()
}

func (m *Disconnect) unmarshal(r *Reader) (err error) {
	if m.Reason, err = r.Uint32(); err != nil {
		return err
	}
	if m.Message, err = r.String(); err != nil {
		return err
	}
	m.Language, err = r.String()
	return err
}

// Error makes a peer-sent disconnect usable as a session-fatal error.
func (m *Disconnect) Error() string {
	return fmt.Sprintf("disconnect from peer, reason %d: %s", m.Reason, m.Message)
}

// Ignore carries data both sides must discard.
type Ignore struct {
	Data []byte
}

func (m *Ignore) MessageType() byte { return MsgIgnore }

func (m *Ignore) Marshal() []byte {
	return NewWriter().Byte(MsgIgnore).Bytes(m.Data).Out()
}

func (m *Ignore) unmarshal(r *Reader) (err error) {
	m.Data, err = r.Bytes()
	return err
}

// Unimplemented reports an unknown message by the sequence number it had.
type Unimplemented struct {
	Sequence uint32
}

func (m *Unimplemented) MessageType() byte { return MsgUnimplemented }

func (m *Unimplemented) Marshal() []byte {
	return NewWriter().Byte(MsgUnimplemented).Uint32(m.Sequence).Out()
}

func (m *Unimplemented) unmarshal(r *Reader) (err error) {
	m.Sequence, err = r.Uint32()
	return err
}

// Debug carries an optional diagnostic message.
type Debug struct {
	AlwaysDisplay bool
	Message       string
	Language      string
}

func (m *Debug) MessageType() byte { return MsgDebug }

func (m *Debug) Marshal() []byte {
	return NewWriter().Byte(MsgDebug).
		Bool(m.AlwaysDisplay).String(m.Message).String(m.Language).Out()
}

func (m *Debug) unmarshal(r *Reader) (err error) {
	if m.AlwaysDisplay, err = r.Bool(); err != nil {
		return err
	}
	if m.Message, err = r.String(); err != nil {
		return err
	}
	m.Language, err = r.String()
	return err
}

// ServiceRequest asks the peer to start a named service
// ("ssh-userauth" or "ssh-connection").
type ServiceRequest struct {
	Name string
}

func (m *ServiceRequest) MessageType() byte { return MsgServiceRequest }

func (m *ServiceRequest) Marshal() []byte {
	return NewWriter().Byte(MsgServiceRequest).String(m.Name).Out()
}

func (m *ServiceRequest) unmarshal(r *Reader) (err error) {
	m.Name, err = r.String()
	return err
}

// ServiceAccept confirms a ServiceRequest.
type ServiceAccept struct {
	Name string
}

func (m *ServiceAccept) MessageType() byte { return MsgServiceAccept }

func (m *ServiceAccept) Marshal() []byte {
	return NewWriter().Byte(MsgServiceAccept).String(m.Name).Out()
}

func (m *ServiceAccept) unmarshal(r *Reader) (err error) {
	m.Name, err = r.String()
	return err
}

// KexInit carries one side's algorithm proposal, RFC 4253 Section 7.1.
type KexInit struct {
	Cookie          [16]byte
	KexAlgos        []string
	HostKeyAlgos    []string
	CiphersC2S      []string
	CiphersS2C      []string
	MACsC2S         []string
	MACsS2C         []string
	CompC2S         []string
	CompS2C         []string
	LangC2S         []string
	LangS2C         []string
	FirstKexFollows bool
	Reserved        uint32
}

func (m *KexInit) MessageType() byte { return MsgKexInit }

func (m *KexInit) Marshal() []byte {
	return NewWriter().Byte(MsgKexInit).Raw(m.Cookie[:]).
		NameList(m.KexAlgos).NameList(m.HostKeyAlgos).
		NameList(m.CiphersC2S).NameList(m.CiphersS2C).
		NameList(m.MACsC2S).NameList(m.MACsS2C).
		NameList(m.CompC2S).NameList(m.CompS2C).
		NameList(m.LangC2S).NameList(m.LangS2C).
		Bool(m.FirstKexFollows).Uint32(m.Reserved).Out()
}

func (m *KexInit) unmarshal(r *Reader) error {
	if r.Len() < len(m.Cookie) {
		return ErrShortBuffer
	}
	for i := range m.Cookie {
		b, _ := r.Byte()
		m.Cookie[i] = b
	}
	lists := []*[]string{
		&m.KexAlgos, &m.HostKeyAlgos,
		&m.CiphersC2S, &m.CiphersS2C,
		&m.MACsC2S, &m.MACsS2C,
		&m.CompC2S, &m.CompS2C,
		&m.LangC2S, &m.LangS2C,
	}
	for _, l := range lists {
		v, err := r.NameList()
		if err != nil {
			return err
		}
		*l = v
	}
	var err error
	if m.FirstKexFollows, err = r.Bool(); err != nil {
		return err
	}
	m.Reserved, err = r.Uint32()
	return err
}

// NewKeys signals that the sender switches to the newly derived key set.
type NewKeys struct{}

func (m *NewKeys) MessageType() byte { return MsgNewKeys }

func (m *NewKeys) Marshal() []byte { return []byte{MsgNewKeys} }

func (m *NewKeys) unmarshal(*Reader) error { return nil }

// KexECDHInit carries the initiator's ephemeral public value.
// The same layout serves classic DH (mpint encoded as a string blob).
type KexECDHInit struct {
	ClientPub []byte
}

func (m *KexECDHInit) MessageType() byte { return MsgKexECDHInit }

func (m *KexECDHInit) Marshal() []byte {
	return NewWriter().Byte(MsgKexECDHInit).Bytes(m.ClientPub).Out()
}

func (m *KexECDHInit) unmarshal(r *Reader) (err error) {
	m.ClientPub, err = r.Bytes()
	return err
}

// KexECDHReply carries the responder's host key, ephemeral public value and
// signature over the exchange hash.
type KexECDHReply struct {
	HostKey   []byte
	ServerPub []byte
	Signature []byte
}

func (m *KexECDHReply) MessageType() byte { return MsgKexECDHReply }

func (m *KexECDHReply) Marshal() []byte {
	return NewWriter().Byte(MsgKexECDHReply).
		Bytes(m.HostKey).Bytes(m.ServerPub).Bytes(m.Signature).Out()
}

func (m *KexECDHReply) unmarshal(r *Reader) (err error) {
	if m.HostKey, err = r.Bytes(); err != nil {
		return err
	}
	if m.ServerPub, err = r.Bytes(); err != nil {
		return err
	}
	m.Signature, err = r.Bytes()
	return err
}

// UserauthRequest starts one authentication attempt. Payload holds the
// method-specific fields undecoded; the auth service interprets them.
type UserauthRequest struct {
	User    string
	Service string
	Method  string
	Payload []byte
}

func (m *UserauthRequest) MessageType() byte { return MsgUserauthRequest }

func (m *UserauthRequest) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthRequest).
		String(m.User).String(m.Service).String(m.Method).Raw(m.Payload).Out()
}

func (m *UserauthRequest) unmarshal(r *Reader) (err error) {
	if m.User, err = r.String(); err != nil {
		return err
	}
	if m.Service, err = r.String(); err != nil {
		return err
	}
	if m.Method, err = r.String(); err != nil {
		return err
	}
	m.Payload = r.Rest()
	return nil
}

// UserauthFailure lists the methods that can continue. PartialSuccess is set
// when the attempted method succeeded but more methods are still required.
type UserauthFailure struct {
	Methods        []string
	PartialSuccess bool
}

func (m *UserauthFailure) MessageType() byte { return MsgUserauthFailure }

func (m *UserauthFailure) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthFailure).
		NameList(m.Methods).Bool(m.PartialSuccess).Out()
}

func (m *UserauthFailure) unmarshal(r *Reader) (err error) {
	if m.Methods, err = r.NameList(); err != nil {
		return err
	}
	m.PartialSuccess, err = r.Bool()
	return err
}

// UserauthSuccess completes authentication.
type UserauthSuccess struct{}

func (m *UserauthSuccess) MessageType() byte { return MsgUserauthSuccess }

func (m *UserauthSuccess) Marshal() []byte { return []byte{MsgUserauthSuccess} }

func (m *UserauthSuccess) unmarshal(*Reader) error { return nil }

// UserauthBanner carries a server banner shown before authentication.
type UserauthBanner struct {
	Message  string
	Language string
}

func (m *UserauthBanner) MessageType() byte { return MsgUserauthBanner }

func (m *UserauthBanner) Marshal() []byte {
	return NewWriter().Byte(MsgUserauthBanner).
		String(m.Message).String(m.Language).Out()
}

func (m *UserauthBanner) unmarshal(r *Reader) (err error) {
	if m.Message, err = r.String(); err != nil {
		return err
	}
	m.Language, err = r.String()
	return err
}

// UserauthExtra is the method-specific code 60/61 family. Its meaning
// depends on the method in flight (PK_OK, INFO_REQUEST, INFO_RESPONSE), so
// the payload stays undecoded here and the auth service interprets it.
type UserauthExtra struct {
	Code    byte
	Payload []byte
}

func (m *UserauthExtra) MessageType() byte { return m.Code }

func (m *UserauthExtra) Marshal() []byte {
	return append([]byte{m.Code}, m.Payload...)
}

// GlobalRequest is a connection-scoped request not tied to a channel.
type GlobalRequest struct {
	Name      string
	WantReply bool
	Payload   []byte
}

func (m *GlobalRequest) MessageType() byte { return MsgGlobalRequest }

func (m *GlobalRequest) Marshal() []byte {
	return NewWriter().Byte(MsgGlobalRequest).
		String(m.Name).Bool(m.WantReply).Raw(m.Payload).Out()
}

func (m *GlobalRequest) unmarshal(r *Reader) (err error) {
	if m.Name, err = r.String(); err != nil {
		return err
	}
	if m.WantReply, err = r.Bool(); err != nil {
		return err
	}
	m.Payload = r.Rest()
	return nil
}

// RequestSuccess answers a GlobalRequest with want-reply set.
type RequestSuccess struct {
	Payload []byte
}

func (m *RequestSuccess) MessageType() byte { return MsgRequestSuccess }

func (m *RequestSuccess) Marshal() []byte {
	return NewWriter().Byte(MsgRequestSuccess).Raw(m.Payload).Out()
}

func (m *RequestSuccess) unmarshal(r *Reader) error {
	m.Payload = r.Rest()
	return nil
}

// RequestFailure rejects a GlobalRequest with want-reply set. The protocol
// requires this reply for unrecognized request names.
type RequestFailure struct{}

func (m *RequestFailure) MessageType() byte { return MsgRequestFailure }

func (m *RequestFailure) Marshal() []byte { return []byte{MsgRequestFailure} }

func (m *RequestFailure) unmarshal(*Reader) error { return nil }

// ChannelOpen asks the peer to open a channel of the given type.
type ChannelOpen struct {
	Type          string
	SenderID      uint32
	InitialWindow uint32
	MaxPacket     uint32
	Payload       []byte
}

func (m *ChannelOpen) MessageType() byte { return MsgChannelOpen }

func (m *ChannelOpen) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpen).String(m.Type).
		Uint32(m.SenderID).Uint32(m.InitialWindow).Uint32(m.MaxPacket).
		Raw(m.Payload).Out()
}

func (m *ChannelOpen) unmarshal(r *Reader) (err error) {
	if m.Type, err = r.String(); err != nil {
		return err
	}
	if m.SenderID, err = r.Uint32(); err != nil {
		return err
	}
	if m.InitialWindow, err = r.Uint32(); err != nil {
		return err
	}
	if m.MaxPacket, err = r.Uint32(); err != nil {
		return err
	}
	m.Payload = r.Rest()
	return nil
}

// ChannelOpenConfirm accepts a ChannelOpen.
type ChannelOpenConfirm struct {
	RecipientID   uint32
	SenderID      uint32
	InitialWindow uint32
	MaxPacket     uint32
	Payload       []byte
}

func (m *ChannelOpenConfirm) MessageType() byte { return MsgChannelOpenConfirm }

func (m *ChannelOpenConfirm) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpenConfirm).
		Uint32(m.RecipientID).Uint32(m.SenderID).
		Uint32(m.InitialWindow).Uint32(m.MaxPacket).Raw(m.Payload).Out()
}

func (m *ChannelOpenConfirm) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	if m.SenderID, err = r.Uint32(); err != nil {
		return err
	}
	if m.InitialWindow, err = r.Uint32(); err != nil {
		return err
	}
	if m.MaxPacket, err = r.Uint32(); err != nil {
		return err
	}
	m.Payload = r.Rest()
	return nil
}

// ChannelOpenFailure rejects a ChannelOpen.
type ChannelOpenFailure struct {
	RecipientID uint32
	Reason      uint32
	Message     string
	Language    string
}

func (m *ChannelOpenFailure) MessageType() byte { return MsgChannelOpenFailure }

func (m *ChannelOpenFailure) Marshal() []byte {
	return NewWriter().Byte(MsgChannelOpenFailure).
		Uint32(m.RecipientID).Uint32(m.Reason).
		String(m.Message).String(m.Language).Out()
}

func (m *ChannelOpenFailure) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	if m.Reason, err = r.Uint32(); err != nil {
		return err
	}
	if m.Message, err = r.String(); err != nil {
		return err
	}
	m.Language, err = r.String()
	return err
}

// ChannelWindowAdjust grants the peer Delta more bytes of send credit.
type ChannelWindowAdjust struct {
	RecipientID uint32
	Delta       uint32
}

func (m *ChannelWindowAdjust) MessageType() byte { return MsgChannelWindowAdjust }

func (m *ChannelWindowAdjust) Marshal() []byte {
	return NewWriter().Byte(MsgChannelWindowAdjust).
		Uint32(m.RecipientID).Uint32(m.Delta).Out()
}

func (m *ChannelWindowAdjust) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	m.Delta, err = r.Uint32()
	return err
}

// ChannelData carries channel payload bytes.
type ChannelData struct {
	RecipientID uint32
	Data        []byte
}

func (m *ChannelData) MessageType() byte { return MsgChannelData }

func (m *ChannelData) Marshal() []byte {
	return NewWriter().Byte(MsgChannelData).
		Uint32(m.RecipientID).Bytes(m.Data).Out()
}

func (m *ChannelData) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	m.Data, err = r.Bytes()
	return err
}

// ChannelExtendedData carries a secondary stream (stderr).
type ChannelExtendedData struct {
	RecipientID uint32
	Code        uint32
	Data        []byte
}

func (m *ChannelExtendedData) MessageType() byte { return MsgChannelExtendedData }

func (m *ChannelExtendedData) Marshal() []byte {
	return NewWriter().Byte(MsgChannelExtendedData).
		Uint32(m.RecipientID).Uint32(m.Code).Bytes(m.Data).Out()
}

func (m *ChannelExtendedData) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	if m.Code, err = r.Uint32(); err != nil {
		return err
	}
	m.Data, err = r.Bytes()
	return err
}

// ChannelEOF half-closes a channel; data still flows the other way.
type ChannelEOF struct {
	RecipientID uint32
}

func (m *ChannelEOF) MessageType() byte { return MsgChannelEOF }

func (m *ChannelEOF) Marshal() []byte {
	return NewWriter().Byte(MsgChannelEOF).Uint32(m.RecipientID).Out()
}

func (m *ChannelEOF) unmarshal(r *Reader) (err error) {
	m.RecipientID, err = r.Uint32()
	return err
}

// ChannelClose closes a channel direction; the entry is released once both
// sides have sent it.
type ChannelClose struct {
	RecipientID uint32
}

func (m *ChannelClose) MessageType() byte { return MsgChannelClose }

func (m *ChannelClose) Marshal() []byte {
	return NewWriter().Byte(MsgChannelClose).Uint32(m.RecipientID).Out()
}

func (m *ChannelClose) unmarshal(r *Reader) (err error) {
	m.RecipientID, err = r.Uint32()
	return err
}

// ChannelRequest is a channel-scoped request (exit-status, pty-req, ...).
// Payload interpretation is left to the application.
type ChannelRequest struct {
	RecipientID uint32
	Name        string
	WantReply   bool
	Payload     []byte
}

func (m *ChannelRequest) MessageType() byte { return MsgChannelRequest }

func (m *ChannelRequest) Marshal() []byte {
	return NewWriter().Byte(MsgChannelRequest).Uint32(m.RecipientID).
		String(m.Name).Bool(m.WantReply).Raw(m.Payload).Out()
}

func (m *ChannelRequest) unmarshal(r *Reader) (err error) {
	if m.RecipientID, err = r.Uint32(); err != nil {
		return err
	}
	if m.Name, err = r.String(); err != nil {
		return err
	}
	if m.WantReply, err = r.Bool(); err != nil {
		return err
	}
	m.Payload = r.Rest()
	return nil
}

// ChannelSuccess answers a ChannelRequest with want-reply set.
type ChannelSuccess struct {
	RecipientID uint32
}

func (m *ChannelSuccess) MessageType() byte { return MsgChannelSuccess }

func (m *ChannelSuccess) Marshal() []byte {
	return NewWriter().Byte(MsgChannelSuccess).Uint32(m.RecipientID).Out()
}

func (m *ChannelSuccess) unmarshal(r *Reader) (err error) {
	m.RecipientID, err = r.Uint32()
	return err
}

// ChannelFailure rejects a ChannelRequest with want-reply set.
type ChannelFailure struct {
	RecipientID uint32
}

func (m *ChannelFailure) MessageType() byte { return MsgChannelFailure }

func (m *ChannelFailure) Marshal() []byte {
	return NewWriter().Byte(MsgChannelFailure).Uint32(m.RecipientID).Out()
}

func (m *ChannelFailure) unmarshal(r *Reader) (err error) {
	m.RecipientID, err = r.Uint32()
	return err
}

// Decode parses a full message payload (type byte first) into a typed
// message. Unknown type codes return ErrUnknownMessage wrapped with the
// offending code so the session can answer SSH_MSG_UNIMPLEMENTED. The
// parse is strict: bytes left over after the last field are rejected
// with ErrTrailingBytes.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, ErrShortBuffer
	}
	code := payload[0]
	r := NewReader(payload[1:])

	var (
		msg interface {
			Message
			unmarshaler
		}
	)
	switch code {
	case MsgDisconnect:
		msg = &Disconnect{}
	case MsgIgnore:
		msg = &Ignore{}
	case MsgUnimplemented:
		msg = &Unimplemented{}
	case MsgDebug:
		msg = &Debug{}
	case MsgServiceRequest:
		msg = &ServiceRequest{}
	case MsgServiceAccept:
		msg = &ServiceAccept{}
	case MsgKexInit:
		msg = &KexInit{}
	case MsgNewKeys:
		msg = &NewKeys{}
	case MsgKexECDHInit:
		msg = &KexECDHInit{}
	case MsgKexECDHReply:
		msg = &KexECDHReply{}
	case MsgUserauthRequest:
		msg = &UserauthRequest{}
	case MsgUserauthFailure:
		msg = &UserauthFailure{}
	case MsgUserauthSuccess:
		msg = &UserauthSuccess{}
	case MsgUserauthBanner:
		msg = &UserauthBanner{}
	case MsgUserauthInfoRequest, MsgUserauthInfoResponse:
		return &UserauthExtra{Code: code, Payload: r.Rest()}, nil
	case MsgGlobalRequest:
		msg = &GlobalRequest{}
	case MsgRequestSuccess:
		msg = &RequestSuccess{}
	case MsgRequestFailure:
		msg = &RequestFailure{}
	case MsgChannelOpen:
		msg = &ChannelOpen{}
	case MsgChannelOpenConfirm:
		msg = &ChannelOpenConfirm{}
	case MsgChannelOpenFailure:
		msg = &ChannelOpenFailure{}
	case MsgChannelWindowAdjust:
		msg = &ChannelWindowAdjust{}
	case MsgChannelData:
		msg = &ChannelData{}
	case MsgChannelExtendedData:
		msg = &ChannelExtendedData{}
	case MsgChannelEOF:
		msg = &ChannelEOF{}
	case MsgChannelClose:
		msg = &ChannelClose{}
	case MsgChannelRequest:
		msg = &ChannelRequest{}
	case MsgChannelSuccess:
		msg = &ChannelSuccess{}
	case MsgChannelFailure:
		msg = &ChannelFailure{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, code)
	}

	if err := msg.unmarshal(r); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", TypeName(code), err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("wire: decode %s: %w (%d bytes)", TypeName(code), ErrTrailingBytes, r.Len())
	}
	return msg, nil
}

type unmarshaler interface {
	unmarshal(r *Reader) error
}
