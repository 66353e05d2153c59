package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestPlainRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Message{Type: TypeChat, From: "alice", Payload: json.RawMessage(`{"text":"hi"}`)}

	require.NoError(t, WritePlain(&buf, in))

	out, err := ReadPlain(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.From, out.From)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestSecureRoundTrip(t *testing.T) {
	key := sessionKey(t)
	var buf bytes.Buffer
	in := Message{Type: TypeDM, Payload: json.RawMessage(`{"to":"bob","text":"psst"}`)}

	require.NoError(t, WriteSecure(&buf, in, key))

	out, err := ReadSecure(&buf, key)
	require.NoError(t, err)
	assert.Equal(t, TypeDM, out.Type)
	assert.JSONEq(t, `{"to":"bob","text":"psst"}`, string(out.Payload))
}

func TestSealOpen_ByteForByte(t *testing.T) {
	key := sessionKey(t)
	plaintext := []byte(`{"type":"chat","payload":{"text":"exact bytes"}}`)

	blob, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.Len(t, blob, len(plaintext)+gcmNonceLen+16)

	got, err := Open(key, blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpen_WrongKeyFails(t *testing.T) {
	blob, err := Seal(sessionKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(sessionKey(t), blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpen_TamperedBlobFails(t *testing.T) {
	key := sessionKey(t)
	blob, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = Open(key, blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestOpen_TruncatedBlobFails(t *testing.T) {
	_, err := Open(sessionKey(t), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestReadSecure_RejectsPlaintextFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePlain(&buf, Message{Type: TypeChat}))

	_, err := ReadSecure(&buf, sessionKey(t))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestReadFrame_ShortRead(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100)
	r := bytes.NewReader(append(header[:], []byte("too short")...))

	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_OversizePrefix(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameLen+1)

	_, err := ReadFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadPlain_MalformedJSONIsSoft(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("{nope")))

	_, err := ReadPlain(&buf)
	assert.ErrorIs(t, err, ErrBadJSON)
}

func TestReplyShapes(t *testing.T) {
	ok := OK(Field("type", TypeLoginOK), Field("token", "abc"))
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"type":"login_ok","token":"abc"}`, string(raw))

	soft := Errorf("Username in use")
	raw, err = json.Marshal(soft)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"error":"Username in use"}`, string(raw))
}
