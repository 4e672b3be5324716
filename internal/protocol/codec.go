package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameBytes bounds a single encoded envelope when no limit is configured.
const DefaultMaxFrameBytes = 8 << 20

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformed is returned when a frame body does not decode as an envelope.
	ErrMalformed = errors.New("malformed envelope")
)

// Field numbers of the envelope schema. They follow protobuf wire rules so that
// any protobuf decoder can read the stream given a matching .proto description.
const (
	fieldKind   protowire.Number = 1
	fieldRoom   protowire.Number = 2
	fieldSender protowire.Number = 3
	fieldText   protowire.Number = 4
	fieldRooms  protowire.Number = 5
	fieldUsers  protowire.Number = 6
	fieldImage  protowire.Number = 7
	fieldGame   protowire.Number = 8
	fieldSentAt protowire.Number = 9

	fieldGameAction protowire.Number = 1
	fieldGameX      protowire.Number = 2
	fieldGameY      protowire.Number = 3
	fieldGameState  protowire.Number = 4

	fieldStateBoard      protowire.Number = 1
	fieldStateBlack      protowire.Number = 2
	fieldStateWhite      protowire.Number = 3
	fieldStateTurn       protowire.Number = 4
	fieldStateFinished   protowire.Number = 5
	fieldStateWinner     protowire.Number = 6
	fieldStateResult     protowire.Number = 7
	fieldStateSpectators protowire.Number = 8
)

const boardCells = BoardSize * BoardSize

// Marshal encodes env without framing.
func Marshal(env Envelope) []byte {
	var b []byte
	if env.Kind != KindUnknown {
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(env.Kind)))
	}
	b = appendString(b, fieldRoom, env.Room)
	b = appendString(b, fieldSender, env.Sender)
	b = appendString(b, fieldText, env.Text)
	for _, r := range env.Rooms {
		b = protowire.AppendTag(b, fieldRooms, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	for _, u := range env.Users {
		b = protowire.AppendTag(b, fieldUsers, protowire.BytesType)
		b = protowire.AppendString(b, u)
	}
	if len(env.Image) > 0 {
		b = protowire.AppendTag(b, fieldImage, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Image)
	}
	if env.Game != nil {
		b = protowire.AppendTag(b, fieldGame, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalGameEvent(env.Game))
	}
	if !env.SentAt.IsZero() {
		b = protowire.AppendTag(b, fieldSentAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(env.SentAt.UnixMilli()))
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalGameEvent(g *GameEvent) []byte {
	var b []byte
	if g.Action != ActionUnknown {
		b = protowire.AppendTag(b, fieldGameAction, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(g.Action)))
	}
	if g.X != 0 {
		b = protowire.AppendTag(b, fieldGameX, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(g.X)))
	}
	if g.Y != 0 {
		b = protowire.AppendTag(b, fieldGameY, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(g.Y)))
	}
	if g.State != nil {
		b = protowire.AppendTag(b, fieldGameState, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalGameState(g.State))
	}
	return b
}

func marshalGameState(s *GameState) []byte {
	board := make([]byte, 0, boardCells)
	for x := 0; x < BoardSize; x++ {
		for y := 0; y < BoardSize; y++ {
			board = append(board, byte(s.Board[x][y]))
		}
	}
	b := protowire.AppendTag(nil, fieldStateBoard, protowire.BytesType)
	b = protowire.AppendBytes(b, board)
	b = appendString(b, fieldStateBlack, s.BlackPlayer)
	b = appendString(b, fieldStateWhite, s.WhitePlayer)
	b = appendString(b, fieldStateTurn, s.CurrentTurn)
	if s.Finished {
		b = protowire.AppendTag(b, fieldStateFinished, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, fieldStateWinner, s.Winner)
	if s.Result != ResultNone {
		b = protowire.AppendTag(b, fieldStateResult, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(s.Result)))
	}
	for _, name := range s.Spectators {
		b = protowire.AppendTag(b, fieldStateSpectators, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	return b
}

// Unmarshal decodes a single unframed envelope body. Unknown fields are skipped.
//
// Postcondition: Returns the envelope, or an error wrapping ErrMalformed.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, malformed("envelope tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, malformed("kind", protowire.ParseError(n))
			}
			if v > math.MaxInt32 {
				return Envelope{}, fmt.Errorf("%w: kind %d out of range", ErrMalformed, v)
			}
			env.Kind = Kind(v)
			b = b[n:]
		case num == fieldSentAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, malformed("sent_at", protowire.ParseError(n))
			}
			env.SentAt = time.UnixMilli(protowire.DecodeZigZag(v))
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldRoom && num <= fieldGame:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, malformed("envelope field", protowire.ParseError(n))
			}
			b = b[n:]
			if err := env.setBytesField(num, v); err != nil {
				return Envelope{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return env, nil
}

func (env *Envelope) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldRoom:
		env.Room = string(v)
	case fieldSender:
		env.Sender = string(v)
	case fieldText:
		env.Text = string(v)
	case fieldRooms:
		env.Rooms = append(env.Rooms, string(v))
	case fieldUsers:
		env.Users = append(env.Users, string(v))
	case fieldImage:
		env.Image = append([]byte(nil), v...)
	case fieldGame:
		g, err := unmarshalGameEvent(v)
		if err != nil {
			return err
		}
		env.Game = g
	}
	return nil
}

func unmarshalGameEvent(b []byte) (*GameEvent, error) {
	g := &GameEvent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("game tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldGameAction || num == fieldGameX || num == fieldGameY):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("game varint", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldGameAction:
				if v > math.MaxInt32 {
					return nil, fmt.Errorf("%w: game action %d out of range", ErrMalformed, v)
				}
				g.Action = GameAction(v)
			case fieldGameX:
				g.X = int(protowire.DecodeZigZag(v))
			case fieldGameY:
				g.Y = int(protowire.DecodeZigZag(v))
			}
		case num == fieldGameState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("game state", protowire.ParseError(n))
			}
			b = b[n:]
			s, err := unmarshalGameState(v)
			if err != nil {
				return nil, err
			}
			g.State = s
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown game field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return g, nil
}

func unmarshalGameState(b []byte) (*GameState, error) {
	s := &GameState{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("state tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("state field", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldStateBoard:
				if err := decodeBoard(&s.Board, v); err != nil {
					return nil, err
				}
			case fieldStateBlack:
				s.BlackPlayer = string(v)
			case fieldStateWhite:
				s.WhitePlayer = string(v)
			case fieldStateTurn:
				s.CurrentTurn = string(v)
			case fieldStateWinner:
				s.Winner = string(v)
			case fieldStateSpectators:
				s.Spectators = append(s.Spectators, string(v))
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("state varint", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldStateFinished:
				s.Finished = protowire.DecodeBool(v)
			case fieldStateResult:
				if v > math.MaxInt32 {
					return nil, fmt.Errorf("%w: result %d out of range", ErrMalformed, v)
				}
				s.Result = Result(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown state field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

func decodeBoard(board *[BoardSize][BoardSize]Stone, v []byte) error {
	if len(v) != boardCells {
		return fmt.Errorf("%w: board has %d cells, want %d", ErrMalformed, len(v), boardCells)
	}
	for i, c := range v {
		if Stone(c) > StoneWhite {
			return fmt.Errorf("%w: invalid stone %d at cell %d", ErrMalformed, c, i)
		}
		board[i/BoardSize][i%BoardSize] = Stone(c)
	}
	return nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}

// Encoder writes length-prefixed envelopes to a stream.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes env as one frame in a single Write call.
//
// Postcondition: The uvarint length prefix and body are written, or an error is returned.
func (e *Encoder) Encode(env Envelope) error {
	body := Marshal(env)
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(len(body)))
	frame = append(frame, body...)
	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", env.Kind, err)
	}
	return nil
}

// Decoder reads length-prefixed envelopes from a stream.
type Decoder struct {
	r   *bufio.Reader
	max uint64
}

// NewDecoder returns a Decoder reading from r that rejects frames longer than maxFrame
// bytes. A non-positive maxFrame selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 4096)
	}
	return &Decoder{r: br, max: uint64(maxFrame)}
}

// Decode reads the next frame.
//
// Postcondition: Returns io.EOF when the stream ends cleanly between frames,
// ErrFrameTooLarge or ErrMalformed for protocol violations, or the decoded envelope.
func (d *Decoder) Decode() (Envelope, error) {
	size, err := binary.ReadUvarint(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("reading frame length: %w", err)
	}
	if size > d.max {
		return Envelope{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, size, d.max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Envelope{}, fmt.Errorf("reading frame body: %w", err)
	}
	return Unmarshal(body)
}
