package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionV1 = 1

// Encode serializes a session to the binary wire format stored in Redis.
// The session id lives in the record key and is reassigned on decode.
//
// Layout v1: version(1) flags(1: bit0 revoked, bit1 reuseDetected)
// tokenHash(32) createdAt(8) lastUsedAt(8) expiresAt(8) revokedAt(8) then
// length-prefixed (u16 big-endian) userID, familyID, deviceInfo, ipAddress,
// userAgent.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionV1)

	var flags byte
	if s.Revoked {
		flags |= 1
	}
	if s.ReuseDetected {
		flags |= 2
	}
	buf.WriteByte(flags)

	buf.Write(s.TokenHash[:])

	for _, v := range []int64{s.CreatedAt, s.LastUsedAt, s.ExpiresAt, s.RevokedAt} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, f := range []string{s.UserID, s.FamilyID, s.DeviceInfo, s.IPAddress, s.UserAgent} {
		if len(f) > 65535 {
			return nil, errors.New("session string field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(f))); err != nil {
			return nil, err
		}
		buf.WriteString(f)
	}

	return buf.Bytes(), nil
}

// Decode deserializes a session blob. The caller assigns ID from the key.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionV1 {
		return nil, errors.New("invalid session record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	s := &Session{
		Revoked:       flags&1 != 0,
		ReuseDetected: flags&2 != 0,
	}

	if _, err := io.ReadFull(reader, s.TokenHash[:]); err != nil {
		return nil, err
	}

	for _, v := range []*int64{&s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt, &s.RevokedAt} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, f := range []*string{&s.UserID, &s.FamilyID, &s.DeviceInfo, &s.IPAddress, &s.UserAgent} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*f = string(raw)
	}

	return s, nil
}
