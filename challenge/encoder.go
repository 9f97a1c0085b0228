package challenge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordFormatVersionV1 = 1

const maxStringField = 65535

// Encode serializes a challenge record to the compact binary wire format
// stored in Redis. The challenge id is not part of the blob; it lives in the
// record key and is reassigned on decode.
//
// Layout v1: version(1) purpose(1) channel(1) subjectType(1) kind(1)
// status(1) secretHash(32) attemptCount(2) maxAttempts(2) sentCount(2)
// expiresAt(8) tokenExpiresAt(8) verifiedAt(8) consumedAt(8) lastSentAt(8)
// createdAt(8) updatedAt(8) then length-prefixed (u16 big-endian) subjectID,
// destination, destinationNorm, requestIP, userAgent.
func Encode(c *Challenge) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordFormatVersionV1)
	buf.WriteByte(byte(c.Purpose))
	buf.WriteByte(byte(c.Channel))
	buf.WriteByte(byte(c.SubjectType))
	buf.WriteByte(byte(c.Kind))
	buf.WriteByte(byte(c.Status))

	hash := c.SecretHash()
	buf.Write(hash[:])

	for _, v := range []uint16{c.AttemptCount, c.MaxAttempts, c.SentCount} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []int64{
		c.ExpiresAt, c.TokenExpiresAt, c.VerifiedAt, c.ConsumedAt,
		c.LastSentAt, c.CreatedAt, c.UpdatedAt,
	} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, s := range []string{c.SubjectID, c.Destination, c.DestinationNorm, c.RequestIP, c.UserAgent} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode deserializes a challenge record blob. The caller assigns ID from
// the record key.
func Decode(data []byte) (*Challenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordFormatVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	c := &Challenge{}

	var fixed [5]byte
	if _, err := io.ReadFull(reader, fixed[:]); err != nil {
		return nil, err
	}
	c.Purpose = Purpose(fixed[0])
	c.Channel = Channel(fixed[1])
	c.SubjectType = SubjectType(fixed[2])
	c.Kind = SecretKind(fixed[3])
	c.Status = Status(fixed[4])

	var hash [32]byte
	if _, err := io.ReadFull(reader, hash[:]); err != nil {
		return nil, err
	}
	if c.Kind == KindToken {
		c.TokenHash = hash
	} else {
		c.CodeHash = hash
	}

	for _, v := range []*uint16{&c.AttemptCount, &c.MaxAttempts, &c.SentCount} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []*int64{
		&c.ExpiresAt, &c.TokenExpiresAt, &c.VerifiedAt, &c.ConsumedAt,
		&c.LastSentAt, &c.CreatedAt, &c.UpdatedAt,
	} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, s := range []*string{&c.SubjectID, &c.Destination, &c.DestinationNorm, &c.RequestIP, &c.UserAgent} {
		if *s, err = readString(reader); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringField {
		return errors.New("challenge record string field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
