package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testOrder() OrderPayload {
	return OrderPayload{
		Salt:          "123456789",
		Maker:         testAddress,
		Signer:        testAddress,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "2400000",
		TakerAmount:   "5000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          SideBuy,
		SignatureType: SignatureEOA,
	}
}

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner("0x"+testKey, PolygonChainID, "")
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address().Hex())
}

func TestSigner_SignOrderRecoversSigner(t *testing.T) {
	s, err := NewSigner(testKey, PolygonChainID, "")
	require.NoError(t, err)

	order := testOrder()
	sigHex, err := s.SignOrder(order)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sigHex, "0x"))

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := s.OrderDigest(order)
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, testAddress, ethcrypto.PubkeyToAddress(*pub).Hex())
}

func TestSigner_DigestDependsOnDomain(t *testing.T) {
	a, err := NewSigner(testKey, PolygonChainID, "")
	require.NoError(t, err)
	b, err := NewSigner(testKey, 80002, "")
	require.NoError(t, err)
	c, err := NewSigner(testKey, PolygonChainID, "0xC5d563A36AE78145C45a50134d48A1215220f80a")
	require.NoError(t, err)

	da, _ := a.OrderDigest(testOrder())
	db, _ := b.OrderDigest(testOrder())
	dc, _ := c.OrderDigest(testOrder())
	assert.NotEqual(t, da, db)
	assert.NotEqual(t, da, dc)

	o := testOrder()
	o.TakerAmount = "5000001"
	dd, _ := a.OrderDigest(o)
	assert.NotEqual(t, da, dd)
}

func TestSigner_InvalidInputs(t *testing.T) {
	_, err := NewSigner("zz", PolygonChainID, "")
	assert.Error(t, err)
	_, err = NewSigner(testKey, PolygonChainID, "not-an-address")
	assert.Error(t, err)

	s, err := NewSigner(testKey, PolygonChainID, "")
	require.NoError(t, err)
	o := testOrder()
	o.MakerAmount = "-1"
	_, err = s.SignOrder(o)
	assert.ErrorContains(t, err, "makerAmount")

	o = testOrder()
	o.Maker = "0x123"
	_, err = s.SignOrder(o)
	assert.ErrorContains(t, err, "address")
}

func TestSigner_SignAuthMessage(t *testing.T) {
	s, err := NewSigner(testKey, PolygonChainID, "")
	require.NoError(t, err)
	sig1, err := s.SignAuthMessage(1700000000, 0)
	require.NoError(t, err)
	sig2, err := s.SignAuthMessage(1700000001, 0)
	require.NoError(t, err)
	assert.Len(t, sig1, 2+130)
	assert.NotEqual(t, sig1, sig2)
}

func TestHMACAuth_L2Headers(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret"))
	h := &HMACAuth{Key: "key-1", Secret: secret, Passphrase: "pp", now: func() time.Time { return time.Unix(1700000000, 0) }}

	hdr := h.L2Headers(testAddress, "POST", "/order", `{"a":1}`)
	assert.Equal(t, testAddress, hdr.Get("POLY_ADDRESS"))
	assert.Equal(t, "key-1", hdr.Get("POLY_API_KEY"))
	assert.Equal(t, "1700000000", hdr.Get("POLY_TIMESTAMP"))
	assert.Equal(t, "pp", hdr.Get("POLY_PASSPHRASE"))

	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte(`1700000000POST/order{"a":1}`))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), hdr.Get("POLY_SIGNATURE"))
}

func TestHMACAuth_BuilderHeadersUseRawSecret(t *testing.T) {
	h := &HMACAuth{Key: "b", Secret: "raw", Passphrase: "p", now: func() time.Time { return time.Unix(42, 0) }}
	hdr := h.BuilderHeaders("POST", "/submit", "")

	mac := hmac.New(sha256.New, []byte("raw"))
	mac.Write([]byte("42POST/submit"))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), hdr.Get("POLY_BUILDER_SIGNATURE"))
	assert.Equal(t, "42", hdr.Get("POLY_BUILDER_TIMESTAMP"))
	assert.NotContains(t, h.String(), "raw")
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2", 1000)
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	assert.ErrorContains(t, err, "wrong password")

	_, err = EncryptKey("abcd", "pw", 1000)
	assert.Error(t, err)
	_, err = EncryptKey(testKey, "", 1000)
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	blob, err := EncryptKey(testKey, "pw", 1000)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	assert.True(t, errors.Is(err, ErrNoKey))

	_, err = LoadKey(KeyConfig{RawPrivateKey: "xyz"})
	assert.Error(t, err)
}
