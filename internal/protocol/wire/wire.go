// Package wire defines the text messages exchanged over the peer data channel:
// metadata and key-exchange markers, end-of-file markers and encrypted chunk
// envelopes.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"zombiefile/internal/core/domain"
)

const (
	PrefixMIME              = "MIME:"
	PrefixName              = "NAME:"
	PrefixSize              = "SIZE:"
	PrefixCompression       = "COMPRESSION:"
	PrefixSenderPublicKey   = "SENDERPUBLICKEY:"
	PrefixReceiverPublicKey = "RECEIVERPUBLICKEY:"

	MarkerEnd     = "END"
	MarkerFileEnd = "FILE_END"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindMIME
	KindName
	KindSize
	KindCompression
	KindSenderPublicKey
	KindReceiverPublicKey
	KindEnd
	KindFileEnd
	KindChunk
)

func (k Kind) String() string {
	switch k {
	case KindMIME:
		return "mime"
	case KindName:
		return "name"
	case KindSize:
		return "size"
	case KindCompression:
		return "compression"
	case KindSenderPublicKey:
		return "sender_public_key"
	case KindReceiverPublicKey:
		return "receiver_public_key"
	case KindEnd:
		return "end"
	case KindFileEnd:
		return "file_end"
	case KindChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// Message is one decoded data-channel message. Only the field matching Kind is
// set.
type Message struct {
	Kind       Kind
	Text       string
	Size       int64
	Compressed bool
	Envelope   *Envelope
}

// ByteArray marshals as a JSON array of numbers rather than base64.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Envelope is one encrypted chunk. Ciphertext includes the GCM tag.
type Envelope struct {
	Ciphertext ByteArray `json:"encryptedChunk"`
	Nonce      ByteArray `json:"iv"`
}

// envelopeFraming is the encoded envelope minus both arrays.
const envelopeFraming = len(`{"encryptedChunk":,"iv":}`)

// MaxEnvelopeSize is the longest possible encoding of an envelope carrying n
// ciphertext bytes and a nonce of nonceLen bytes.
func MaxEnvelopeSize(n, nonceLen int) int {
	return envelopeFraming + arraySize(n) + arraySize(nonceLen)
}

// MaxCiphertext is the largest ciphertext whose envelope always fits in limit
// bytes.
func MaxCiphertext(limit, nonceLen int) int {
	n := (limit - envelopeFraming - arraySize(nonceLen) - 1) / 4
	return max(n, 0)
}

// arraySize bounds a ByteArray of n bytes: up to three digits and a comma each.
func arraySize(n int) int {
	if n == 0 {
		return 2
	}
	return 4*n + 1
}

func EncodeEnvelope(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func MIME(mime string) string { return PrefixMIME + mime }

func Name(name string) string { return PrefixName + name }

func Size(size int64) string { return PrefixSize + strconv.FormatInt(size, 10) }

func Compression(on bool) string { return PrefixCompression + strconv.FormatBool(on) }

func SenderPublicKey(b64 string) string { return PrefixSenderPublicKey + b64 }

func ReceiverPublicKey(b64 string) string { return PrefixReceiverPublicKey + b64 }

// Parse classifies a data-channel text message. Envelopes are recognised by a
// leading '{'; anything else must be a known marker.
func Parse(text string) (Message, error) {
	switch text {
	case MarkerEnd:
		return Message{Kind: KindEnd}, nil
	case MarkerFileEnd:
		return Message{Kind: KindFileEnd}, nil
	}

	switch {
	case strings.HasPrefix(text, "{"):
		var env Envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			return Message{}, fmt.Errorf("%w: chunk envelope: %v", domain.ErrInvalidPayload, err)
		}
		if len(env.Nonce) == 0 || len(env.Ciphertext) == 0 {
			return Message{}, fmt.Errorf("%w: chunk envelope missing fields", domain.ErrInvalidPayload)
		}
		return Message{Kind: KindChunk, Envelope: &env}, nil

	case strings.HasPrefix(text, PrefixMIME):
		return Message{Kind: KindMIME, Text: strings.TrimPrefix(text, PrefixMIME)}, nil

	case strings.HasPrefix(text, PrefixName):
		return Message{Kind: KindName, Text: strings.TrimPrefix(text, PrefixName)}, nil

	case strings.HasPrefix(text, PrefixSize):
		size, err := strconv.ParseInt(strings.TrimPrefix(text, PrefixSize), 10, 64)
		if err != nil || size < 0 {
			return Message{}, fmt.Errorf("%w: bad size %q", domain.ErrInvalidPayload, text)
		}
		return Message{Kind: KindSize, Size: size}, nil

	case strings.HasPrefix(text, PrefixCompression):
		on, err := strconv.ParseBool(strings.TrimPrefix(text, PrefixCompression))
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad compression flag %q", domain.ErrInvalidPayload, text)
		}
		return Message{Kind: KindCompression, Compressed: on}, nil

	case strings.HasPrefix(text, PrefixSenderPublicKey):
		return Message{Kind: KindSenderPublicKey, Text: strings.TrimPrefix(text, PrefixSenderPublicKey)}, nil

	case strings.HasPrefix(text, PrefixReceiverPublicKey):
		return Message{Kind: KindReceiverPublicKey, Text: strings.TrimPrefix(text, PrefixReceiverPublicKey)}, nil
	}

	return Message{Kind: KindUnknown, Text: text}, nil
}
