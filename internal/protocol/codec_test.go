package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"
)

func TestEncodeDecode_Chat(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	sent := time.UnixMilli(1_700_000_000_123)

	env := Chat("lobby", "alice", "hi")
	env.SentAt = sent
	require.NoError(t, enc.Encode(env))

	got, err := NewDecoder(&buf, 0).Decode()
	require.NoError(t, err)
	assert.Equal(t, KindChat, got.Kind)
	assert.Equal(t, "lobby", got.Room)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hi", got.Text)
	assert.True(t, sent.Equal(got.SentAt))
}

func TestEncodeDecode_ImagePayloadIsOpaque(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0x00}
	got, err := Unmarshal(Marshal(Image("lobby", "bob", payload)))
	require.NoError(t, err)
	assert.Equal(t, KindImage, got.Kind)
	assert.Equal(t, payload, got.Image)
}

func TestEncodeDecode_GameState(t *testing.T) {
	var state GameState
	state.Board[7][7] = StoneBlack
	state.Board[7][8] = StoneWhite
	state.Board[0][14] = StoneBlack
	state.BlackPlayer = "alice"
	state.WhitePlayer = "bob"
	state.Finished = true
	state.Winner = "alice"
	state.Result = ResultWin
	state.Spectators = []string{"carol"}

	got, err := Unmarshal(Marshal(GameStateEvent("lobby", state)))
	require.NoError(t, err)
	require.NotNil(t, got.Game)
	require.NotNil(t, got.Game.State)
	assert.Equal(t, ActionState, got.Game.Action)
	assert.Equal(t, state, *got.Game.State)
}

func TestEncodeDecode_NegativeMoveCoordinates(t *testing.T) {
	got, err := Unmarshal(Marshal(GameMove("lobby", -1, 15)))
	require.NoError(t, err)
	require.NotNil(t, got.Game)
	assert.Equal(t, ActionMove, got.Game.Action)
	assert.Equal(t, -1, got.Game.X)
	assert.Equal(t, 15, got.Game.Y)
}

func TestDecode_UnknownKindIsPreserved(t *testing.T) {
	got, err := Unmarshal(Marshal(Envelope{Kind: Kind(42), Text: "?"}))
	require.NoError(t, err)
	assert.Equal(t, Kind(42), got.Kind)
	assert.False(t, got.Kind.Known())
	assert.Equal(t, "KIND(42)", got.Kind.String())
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	b := Marshal(Chat("lobby", "alice", "hi"))
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 100, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 7)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
}

func TestDecode_Malformed(t *testing.T) {
	t.Run("truncated field", func(t *testing.T) {
		b := Marshal(Chat("lobby", "alice", "hello"))
		_, err := Unmarshal(b[:len(b)-2])
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("short board", func(t *testing.T) {
		state := protowire.AppendTag(nil, fieldStateBoard, protowire.BytesType)
		state = protowire.AppendBytes(state, make([]byte, 10))
		game := protowire.AppendTag(nil, fieldGameState, protowire.BytesType)
		game = protowire.AppendBytes(game, state)
		b := protowire.AppendTag(nil, fieldGame, protowire.BytesType)
		b = protowire.AppendBytes(b, game)

		_, err := Unmarshal(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestDecode_EnumOutOfRange(t *testing.T) {
	const wide = uint64(1)<<32 | uint64(KindChat)

	wrap := func(num protowire.Number, inner []byte) []byte {
		b := protowire.AppendTag(nil, num, protowire.BytesType)
		return protowire.AppendBytes(b, inner)
	}
	varint := func(num protowire.Number, v uint64) []byte {
		b := protowire.AppendTag(nil, num, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}

	tests := map[string][]byte{
		"kind":   varint(fieldKind, wide),
		"action": wrap(fieldGame, varint(fieldGameAction, wide)),
		"result": wrap(fieldGame, wrap(fieldGameState, varint(fieldStateResult, wide))),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := Unmarshal(b)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.NotEqual(t, KindChat, got.Kind)
		})
	}

	t.Run("largest int32 is accepted", func(t *testing.T) {
		got, err := Unmarshal(varint(fieldKind, 1<<31-1))
		require.NoError(t, err)
		assert.False(t, got.Kind.Known())
	})
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(Chat("lobby", "alice", string(make([]byte, 128)))))

	_, err := NewDecoder(&buf, 64).Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_CleanEOF(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(Login("alice")))
	require.NoError(t, enc.Encode(JoinRoom("lobby")))

	dec := NewDecoder(&buf, 0)
	first, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindLogin, first.Kind)

	second, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindJoinRoom, second.Kind)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(Chat("lobby", "alice", "hello")))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := NewDecoder(truncated, 0).Decode()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestPropertyEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 0, 5)
		env := Envelope{
			Kind:   Kind(rapid.Int32Range(1, 11).Draw(t, "kind")),
			Room:   rapid.String().Draw(t, "room"),
			Sender: rapid.String().Draw(t, "sender"),
			Text:   rapid.String().Draw(t, "text"),
			Rooms:  names.Draw(t, "rooms"),
			Users:  names.Draw(t, "users"),
			Image:  rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "image"),
		}
		if rapid.Bool().Draw(t, "with_move") {
			env.Game = &GameEvent{
				Action: ActionMove,
				X:      rapid.IntRange(-100, 100).Draw(t, "x"),
				Y:      rapid.IntRange(-100, 100).Draw(t, "y"),
			}
		}

		var buf bytes.Buffer
		if err := NewEncoder(&buf).Encode(env); err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := NewDecoder(&buf, 0).Decode()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		// Empty slices decode as nil.
		if len(env.Rooms) == 0 {
			env.Rooms = nil
		}
		if len(env.Users) == 0 {
			env.Users = nil
		}
		if len(env.Image) == 0 {
			env.Image = nil
		}
		if got.Kind != env.Kind || got.Room != env.Room || got.Sender != env.Sender || got.Text != env.Text {
			t.Fatalf("scalar mismatch: got %+v want %+v", got, env)
		}
		assert.Equal(t, env.Rooms, got.Rooms)
		assert.Equal(t, env.Users, got.Users)
		assert.Equal(t, env.Image, got.Image)
		assert.Equal(t, env.Game, got.Game)
	})
}
