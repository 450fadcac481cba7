package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTokenIssueAndVerify(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	uut, err := GetHMACTokenCodec([]byte("unit-test-signing-secret"), DefaultTokenTTL, clock)
	assert.Nil(err)

	// Case 0: invalid codec params
	{
		_, err := GetHMACTokenCodec(nil, DefaultTokenTTL, clock)
		assert.NotNil(err)
		_, err = GetHMACTokenCodec([]byte("secret"), 0, clock)
		assert.NotNil(err)
	}

	// Case 1: invalid identity
	{
		_, err := uut.Issue("", "user-1")
		assert.NotNil(err)
		_, err = uut.Issue("tenant:1", "user-1")
		assert.NotNil(err)
		_, err = uut.Issue("tenant-1", "user|1")
		assert.NotNil(err)
	}

	token, err := uut.Issue("tenant-1", "user-1")
	assert.Nil(err)

	// Case 2: fresh token
	{
		identity, err := uut.Verify(token, "tenant-1")
		assert.Nil(err)
		assert.Equal("tenant-1", identity.TenantID)
		assert.Equal("user-1", identity.UserID)
		assert.Equal(clock.Now().Unix(), identity.IssuedAt.Unix())
	}

	// Case 3: issued 299 seconds ago
	{
		clock.Advance(time.Second * 299)
		_, err := uut.Verify(token, "tenant-1")
		assert.Nil(err)
	}

	// Case 4: issued 300 seconds ago is the last accepted second
	{
		clock.Advance(time.Second)
		_, err := uut.Verify(token, "tenant-1")
		assert.Nil(err)
	}

	// Case 5: expired
	{
		clock.Advance(time.Second)
		_, err := uut.Verify(token, "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}
}

func TestTokenVerifyRejections(t *testing.T) {
	assert := assert.New(t)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	secret := []byte("unit-test-signing-secret")
	uut, err := GetHMACTokenCodec(secret, DefaultTokenTTL, clock)
	assert.Nil(err)

	token, err := uut.Issue("tenant-1", "user-1")
	assert.Nil(err)
	raw, err := base64.StdEncoding.DecodeString(token)
	assert.Nil(err)
	fields := strings.Split(string(raw), ":")
	assert.Len(fields, 4)

	encode := func(parts ...string) string {
		return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, ":")))
	}

	// Case 0: not base64
	{
		_, err := uut.Verify("%%% not base64 %%%", "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 1: wrong field count
	{
		_, err := uut.Verify(encode(fields[0], fields[1], fields[2]), "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
		_, err = uut.Verify(encode(append(fields, "extra")...), "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 2: tenant mismatch
	{
		_, err := uut.Verify(token, "tenant-2")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 3: tampered signature byte
	{
		sig := []byte(fields[3])
		if sig[0] == 'a' {
			sig[0] = 'b'
		} else {
			sig[0] = 'a'
		}
		_, err := uut.Verify(encode(fields[0], fields[1], fields[2], string(sig)), "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 4: tampered user keeps the old signature
	{
		_, err := uut.Verify(encode(fields[0], "user-2", fields[2], fields[3]), "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 5: issued in the future
	{
		future, err := GetHMACTokenCodec(
			secret, DefaultTokenTTL, clockwork.NewFakeClockAt(clock.Now().Add(time.Second*10)),
		)
		assert.Nil(err)
		futureToken, err := future.Issue("tenant-1", "user-1")
		assert.Nil(err)
		_, err = uut.Verify(futureToken, "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 6: signed with a different secret
	{
		other, err := GetHMACTokenCodec([]byte("some-other-secret"), DefaultTokenTTL, clock)
		assert.Nil(err)
		otherToken, err := other.Issue("tenant-1", "user-1")
		assert.Nil(err)
		_, err = uut.Verify(otherToken, "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}

	// Case 7: non numeric timestamp
	{
		_, err := uut.Verify(encode(fields[0], fields[1], "yesterday", fields[3]), "tenant-1")
		assert.Equal(ErrAuthenticationFailed, err)
	}
}
