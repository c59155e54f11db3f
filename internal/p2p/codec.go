package p2p

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// ErrMalformedMessage is returned for frames that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

// Encode frames msg as a 4-byte big-endian length followed by its JSON body.
func Encode(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one framed message. Anything other than a single
// well-formed frame yields an error wrapping ErrMalformedMessage.
func Decode(data []byte) (*Message, error) {
	br := bytes.NewReader(data)
	r := msgio.NewReaderSize(br, DefaultMaxMessageSize)
	msg, err := ReadMessage(r)
	if err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return nil, err
		}
		// EOF in a byte slice is always a truncated frame.
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if br.Len() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, br.Len())
	}
	return msg, nil
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return msgio.NewWriter(w).WriteMsg(body)
}

// ReadMessage reads the next framed message from r. A clean io.EOF before
// any header byte is returned as is; framing and body errors wrap
// ErrMalformedMessage; other read errors are passed through.
func ReadMessage(r msgio.Reader) (*Message, error) {
	body, err := r.ReadMsg()
	if err != nil {
		switch {
		case errors.Is(err, msgio.ErrMsgTooLarge), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		default:
			return nil, err
		}
	}
	defer r.ReleaseMsg(body)
	return decodeBody(body)
}

func decodeBody(body []byte) (*Message, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Sender.IsZero() {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	for i, rec := range msg.Peers {
		if rec.Addr.IsZero() {
			return nil, fmt.Errorf("%w: peer %d has no address", ErrMalformedMessage, i)
		}
	}
	return &msg, nil
}
