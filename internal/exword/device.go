// Package exword implements the exword dictionary command surface on top
// of an obex.Session: CONNECT/DISCONNECT and the vendor PUT/GET commands
// addressed by pseudo-name NAME headers (MODEL, CAP, LIST, USERID,
// CRYPTKEY, CNAME, LOCK, UNLOCK, AUTHCHALLENGE, AUTHINFO), plus file
// transfer with the filename itself as the NAME.
package exword

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"exworddrv/internal/obex"
	"exworddrv/internal/xcode"
)

// Mode selects the connect profile; the wire protocol version byte is
// derived from it and the locale (spec.md §3, "Connect options").
type Mode int

const (
	ModeLibrary Mode = iota
	ModeText
	ModeCD
)

// ConnectOptions bundles the connect mode and locale/region byte into the
// 16-bit value exword_connect accepts.
type ConnectOptions struct {
	Mode   Mode
	Locale uint8
}

func (o ConnectOptions) protocolVersion() uint8 {
	switch o.Mode {
	case ModeText:
		return o.Locale
	case ModeCD:
		return 0xf0
	default:
		return o.Locale - 0x0f
	}
}

// Model describes the device identity and capability set returned by the
// MODEL command.
type Model struct {
	Model        string
	SubModel     string
	ExtModel     string
	CapSW        bool
	CapST        bool
	CapT         bool
	CapP         bool
	CapF         bool
	CapExt       bool
	CNum         int // 0, 1, 2, or 3 "C" tokens seen
}

// Capacity reports total and free bytes on the currently selected
// storage medium (selected via SetPath).
type Capacity struct {
	Total uint64
	Free  uint64
}

// DirEntry is one file or directory entry returned by List.
type DirEntry struct {
	Name  string
	Flags uint8
}

// CryptKeyExchange carries the two device-supplied half-keys in and the
// derived 16-byte key plus its XOR keystream out, matching
// exword_cryptkey_t.
type CryptKeyExchange struct {
	Blk1   [28]byte
	Blk2   [28]byte
	Key    [16]byte
	XorKey [16]byte
}

// AuthInfo carries the challenge key the device returns during
// authentication setup (AUTHINFO command).
type AuthInfo struct {
	Challenge [20]byte
}

// pseudo-command names. All are NUL-terminated UTF-16BE strings sent in
// NAME headers; see Model/Cap/List/... literals in the original
// implementation (exword.c), reproduced here as the plain-text form xcode
// encodes before transmission.
const (
	nameModel         = "_Model"
	nameCap           = "_Cap"
	nameList          = "_List"
	nameRemove        = "_Remove"
	nameSdFormat      = "_SdFormat"
	nameUserID        = "_UserId"
	nameUnlock        = "_Unlock"
	nameLock          = "_Lock"
	nameCName         = "_CName"
	nameCryptKey      = "_CryptKey"
	nameAuthChallenge = "_AuthChallenge"
	nameAuthInfo      = "_AuthInfo"
)

// Device wraps an obex.Session and exposes one method per vendor command.
type Device struct {
	sess   *obex.Session
	logger *log.Logger
}

// NewDevice wraps sess. A nil logger discards log output.
func NewDevice(sess *obex.Session, logger *log.Logger) *Device {
	return &Device{sess: sess, logger: logger}
}

func (d *Device) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// connectMaxPacketSize is the max OBEX packet size this driver advertises
// during CONNECT, matching the fixed size libopenobex negotiates for bulk
// USB transport in the original implementation.
const connectMaxPacketSize = 0xff00

// Connect sends CONNECT with the protocol version and locale derived from
// opts packed into OBEX CONNECT's standard 4-byte non-header payload
// (version, flags, 2-byte max packet size), matching
// obex_set_connect_info's ver/locale derivation with flags repurposed to
// carry locale since this vendor dialect has no separate flags use.
func (d *Device) Connect(ctx context.Context, opts ConnectOptions) error {
	req := obex.NewRequest(obex.OpConnect | obex.Final)
	req.SetNonHeaderData([]byte{
		opts.protocolVersion(),
		opts.Locale,
		byte(connectMaxPacketSize >> 8),
		byte(connectMaxPacketSize),
	})
	_, err := d.sess.Do(ctx, req)
	return statusErr("connect", err)
}

// Disconnect sends DISCONNECT. It is safe to call even if the device has
// already disconnected for another reason (e.g. poisoning); in that case
// it simply reports success without sending a packet.
func (d *Device) Disconnect(ctx context.Context) error {
	if d.sess.State() != obex.StateConnected {
		return nil
	}
	req := obex.NewRequest(obex.OpDisconnect | obex.Final)
	_, err := d.sess.Do(ctx, req)
	return statusErr("disconnect", err)
}

// SetPath changes the device's current directory, creating it first if
// mkdir is true, matching exword_setpath's {0x00,0x00}/{0x02,0x00}
// non-header flags.
func (d *Device) SetPath(ctx context.Context, path string, mkdir bool) error {
	req := obex.NewRequest(obex.OpSetPath | obex.Final)
	if mkdir {
		req.SetNonHeaderData([]byte{0x00, 0x00})
	} else {
		req.SetNonHeaderData([]byte{0x02, 0x00})
	}
	name, err := xcode.ToUTF16BE(path)
	if err != nil {
		return fmt.Errorf("exword: setpath: encode path: %w", err)
	}
	req.AddHeader(obex.HdrName, name)
	_, err = d.sess.Do(ctx, req)
	return statusErr("setpath", err)
}

// commandRequest builds a GET or PUT request carrying pseudoName in its
// NAME header, the shape every vendor command shares.
func commandRequest(op obex.Opcode, pseudoName string) (*obex.Packet, error) {
	req := obex.NewRequest(op | obex.Final)
	name, err := xcode.NTString(pseudoName)
	if err != nil {
		return nil, fmt.Errorf("exword: encode command name: %w", err)
	}
	req.AddHeader(obex.HdrName, name)
	return req, nil
}

// Model retrieves the device's model identity and capability set.
func (d *Device) Model(ctx context.Context) (Model, error) {
	req, err := commandRequest(obex.OpGet, nameModel)
	if err != nil {
		return Model{}, err
	}
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return Model{}, statusErr("model", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok || len(body.Value) < 23 {
		return Model{}, &Error{Op: "model", Code: StatusOther}
	}
	return parseModel(body.Value), nil
}

// parseModel decodes the MODEL body layout (spec.md §4.E): 14 bytes
// model, 6 bytes sub-model, then NUL-separated capability tokens starting
// at offset 23, matching the prefix-match rules in exword_get_model (SW
// before ST before S/T, CY before C, with C tokens counted up to three).
func parseModel(b []byte) Model {
	var m Model
	m.Model = trimNULBytes(b[0:14])
	m.SubModel = trimNULBytes(b[14:20])
	for i := 23; i < len(b); {
		tok := tokenAt(b[i:])
		switch {
		case hasPrefix(tok, "SW"):
			m.CapSW = true
		case hasPrefix(tok, "ST"):
			m.CapST = true
		case hasPrefix(tok, "CY"):
			m.ExtModel = tok
			m.CapExt = true
		case hasPrefix(tok, "T"):
			m.CapT = true
		case hasPrefix(tok, "P"):
			m.CapP = true
		case hasPrefix(tok, "F"):
			m.CapF = true
		case hasPrefix(tok, "C"):
			if m.CNum < 3 {
				m.CNum++
			}
		}
		i += len(tok) + 1
	}
	return m
}

func tokenAt(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimNULBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Capacity retrieves free/total space on the currently selected medium.
// Devices report either a 24-byte body (two 8-byte big-endian quantities
// preceded by a header word, per ntohll(*(ptr+1)) in the original) or an
// 8-byte body (two 4-byte big-endian quantities), matching
// exword_get_capacity's size-dispatch on hv_size.
func (d *Device) Capacity(ctx context.Context) (Capacity, error) {
	req, err := commandRequest(obex.OpGet, nameCap)
	if err != nil {
		return Capacity{}, err
	}
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return Capacity{}, statusErr("capacity", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok {
		return Capacity{}, &Error{Op: "capacity", Code: StatusOther}
	}
	switch len(body.Value) {
	case 24:
		return Capacity{
			Total: binary.BigEndian.Uint64(body.Value[8:16]),
			Free:  binary.BigEndian.Uint64(body.Value[16:24]),
		}, nil
	case 8:
		return Capacity{
			Total: uint64(binary.BigEndian.Uint32(body.Value[0:4])),
			Free:  uint64(binary.BigEndian.Uint32(body.Value[4:8])),
		}, nil
	default:
		return Capacity{}, &Error{Op: "capacity", Code: StatusOther}
	}
}

// List retrieves the directory entries for the current path, matching
// the count-prefixed, variable-record-size BODY layout exword_list
// parses: uint16 count, then per entry uint16 size, 1 flags byte, and
// (size-3) bytes of UTF-16BE name.
func (d *Device) List(ctx context.Context) ([]DirEntry, error) {
	req, err := commandRequest(obex.OpGet, nameList)
	if err != nil {
		return nil, err
	}
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return nil, statusErr("list", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok || len(body.Value) < 2 {
		return nil, &Error{Op: "list", Code: StatusOther}
	}
	b := body.Value
	count := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	entries := make([]DirEntry, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < 3 {
			return nil, &Error{Op: "list", Code: StatusOther}
		}
		size := int(binary.BigEndian.Uint16(b[0:2]))
		if size < 3 || size > len(b) {
			return nil, &Error{Op: "list", Code: StatusOther}
		}
		flags := b[2]
		name := xcode.DecodeFilename(b[3:size])
		entries = append(entries, DirEntry{Name: name, Flags: flags})
		b = b[size:]
	}
	return entries, nil
}

// Put uploads data as filename to the device's current path.
func (d *Device) Put(ctx context.Context, filename string, data []byte) error {
	req := obex.NewRequest(obex.OpPut | obex.Final)
	name, err := xcode.NTString(filename)
	if err != nil {
		return fmt.Errorf("exword: put: encode filename: %w", err)
	}
	req.AddHeader(obex.HdrName, name)
	req.AddBQ4Header(obex.HdrLength, uint32(len(data)))
	req.AddHeader(obex.HdrBody, data)
	_, err = d.sess.Do(ctx, req)
	return statusErr("put", err)
}

// Get downloads filename from the device's current path.
func (d *Device) Get(ctx context.Context, filename string) ([]byte, error) {
	req := obex.NewRequest(obex.OpGet | obex.Final)
	name, err := xcode.NTString(filename)
	if err != nil {
		return nil, fmt.Errorf("exword: get: encode filename: %w", err)
	}
	req.AddHeader(obex.HdrName, name)
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return nil, statusErr("get", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok {
		return nil, &Error{Op: "get", Code: StatusOther}
	}
	return body.Value, nil
}

// Remove deletes filename from the device's current path.
func (d *Device) Remove(ctx context.Context, filename string) error {
	req := obex.NewRequest(obex.OpPut | obex.Final)
	name, err := xcode.NTString(nameRemove)
	if err != nil {
		return fmt.Errorf("exword: remove: encode command name: %w", err)
	}
	req.AddHeader(obex.HdrName, name)
	target, err := xcode.NTString(filename)
	if err != nil {
		return fmt.Errorf("exword: remove: encode filename: %w", err)
	}
	req.AddBQ4Header(obex.HdrLength, uint32(len(target)))
	req.AddHeader(obex.HdrBody, target)
	_, err = d.sess.Do(ctx, req)
	return statusErr("remove", err)
}

// SDFormat formats the currently selected SD card.
func (d *Device) SDFormat(ctx context.Context) error {
	req, err := commandRequest(obex.OpPut, nameSdFormat)
	if err != nil {
		return err
	}
	_, err = d.sess.Do(ctx, req)
	return statusErr("sdformat", err)
}

// UserID registers a 17-byte (16 chars + NUL) user identifier with the
// device.
func (d *Device) UserID(ctx context.Context, id [17]byte) error {
	req, err := commandRequest(obex.OpPut, nameUserID)
	if err != nil {
		return err
	}
	req.AddBQ4Header(obex.HdrLength, uint32(len(id)))
	req.AddHeader(obex.HdrBody, id[:])
	_, err = d.sess.Do(ctx, req)
	return statusErr("userid", err)
}

// Lock must be called after adding or removing add-on dictionaries.
func (d *Device) Lock(ctx context.Context) error {
	req, err := commandRequest(obex.OpPut, nameLock)
	if err != nil {
		return err
	}
	req.AddBQ4Header(obex.HdrLength, 1)
	req.AddHeader(obex.HdrBody, []byte{0})
	_, err = d.sess.Do(ctx, req)
	return statusErr("lock", err)
}

// Unlock must be called before adding or removing add-on dictionaries.
func (d *Device) Unlock(ctx context.Context) error {
	req, err := commandRequest(obex.OpPut, nameUnlock)
	if err != nil {
		return err
	}
	req.AddBQ4Header(obex.HdrLength, 1)
	req.AddHeader(obex.HdrBody, []byte{0})
	_, err = d.sess.Do(ctx, req)
	return statusErr("unlock", err)
}

// CName registers an add-on dictionary's display name and install
// directory, matching exword_cname's dir-then-name NUL-terminated
// concatenation.
func (d *Device) CName(ctx context.Context, name, dir string) error {
	req, err := commandRequest(obex.OpPut, nameCName)
	if err != nil {
		return err
	}
	payload := append(append([]byte(dir+"\x00"), name...), 0)
	req.AddBQ4Header(obex.HdrLength, uint32(len(payload)))
	req.AddHeader(obex.HdrBody, payload)
	_, err = d.sess.Do(ctx, req)
	return statusErr("cname", err)
}

// CryptKey exchanges blk1 for a 12-byte device-derived quantity, combines
// it with bytes 8-11 of blk2 to form the 16-byte key, and derives the XOR
// keystream via deriveXOR (the content engine passes GetXORKey), matching
// exword_cryptkey.
func (d *Device) CryptKey(ctx context.Context, ex *CryptKeyExchange, deriveXOR func(key []byte) [16]byte) error {
	req, err := commandRequest(obex.OpGet, nameCryptKey)
	if err != nil {
		return err
	}
	req.AddHeader(obex.HdrCryptKey, ex.Blk1[:])
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return statusErr("cryptkey", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok || len(body.Value) < 12 {
		return &Error{Op: "cryptkey", Code: StatusOther}
	}
	copy(ex.Key[:12], body.Value[:12])
	copy(ex.Key[12:16], ex.Blk2[8:12])
	ex.XorKey = deriveXOR(ex.Key[:])
	return nil
}

// AuthChallenge submits a 20-byte challenge response to authenticate.
func (d *Device) AuthChallenge(ctx context.Context, challenge [20]byte) error {
	req, err := commandRequest(obex.OpPut, nameAuthChallenge)
	if err != nil {
		return err
	}
	req.AddBQ4Header(obex.HdrLength, uint32(len(challenge)))
	req.AddHeader(obex.HdrBody, challenge[:])
	_, err = d.sess.Do(ctx, req)
	return statusErr("authchallenge", err)
}

// authInfoFixedBlock is the fixed 16-byte first half of the AUTHINFO
// request header, matching exword_authinfo's info->blk1.
const authInfoFixedBlock = "FFFFFFFFFFFFFFFF"

// authInfoPayload builds the 40-byte AUTHINFO header value: the fixed
// 16-byte blk1 followed by a 24-byte blk2 holding user, truncated or
// NUL-padded like C's strncpy, matching exword_authinfo/content.c's
// AUTHINFO request construction.
func authInfoPayload(user string) []byte {
	payload := make([]byte, 40)
	copy(payload[:16], authInfoFixedBlock)
	copy(payload[16:40], user)
	return payload
}

// AuthInfoReset requests new authentication info from the device for
// user. Issuing this command causes the device to delete all installed
// dictionaries, matching the original implementation's documented side
// effect.
func (d *Device) AuthInfoReset(ctx context.Context, user string) (AuthInfo, error) {
	req, err := commandRequest(obex.OpGet, nameAuthInfo)
	if err != nil {
		return AuthInfo{}, err
	}
	req.AddHeader(obex.HdrAuthInfo, authInfoPayload(user))
	rsp, err := d.sess.Do(ctx, req)
	if err != nil {
		return AuthInfo{}, statusErr("authinfo", err)
	}
	body, ok := rsp.Header(obex.HdrBody)
	if !ok || len(body.Value) < 20 {
		return AuthInfo{}, &Error{Op: "authinfo", Code: StatusOther}
	}
	var info AuthInfo
	copy(info.Challenge[:], body.Value[0:20])
	return info, nil
}

// PollDisconnect checks for a transport-level disconnect that happened
// without a request in flight, matching exword_poll_disconnect.
func (d *Device) PollDisconnect() bool {
	return d.sess.PollDisconnect()
}

// statusErr maps a Session/obex error into the driver's StatusCode
// taxonomy, matching obex_to_exword_error's response-code dispatch.
func statusErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == obex.ErrPoisoned:
		return &Error{Op: op, Code: StatusInternal}
	case err == obex.ErrNotConnected:
		return &Error{Op: op, Code: StatusNotFound}
	}
	var urErr *obex.ErrUnexpectedResponse
	if asUnexpectedResponse(err, &urErr) {
		switch urErr.Code {
		case obex.RspForbidden:
			return &Error{Op: op, Code: StatusForbidden}
		case obex.RspNotFound:
			return &Error{Op: op, Code: StatusNotFound}
		case obex.RspInternalServerError:
			return &Error{Op: op, Code: StatusInternal}
		}
	}
	return fmt.Errorf("exword: %s: %w", op, err)
}

func asUnexpectedResponse(err error, target **obex.ErrUnexpectedResponse) bool {
	ur, ok := err.(*obex.ErrUnexpectedResponse)
	if ok {
		*target = ur
	}
	return ok
}
