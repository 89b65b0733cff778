package broker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/neicnordic/sda-orchestrator/go/config"
)

func TestErrorRecord(t *testing.T) {
	var body = []byte(`{"user":"alice","filepath":"/ega/alice/f.c4gh",` +
		`"encrypted_checksums":[{"type":"sha256","value":"abc"}]}`)

	record, err := errorRecord(body, errors.New("schema said no"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(record, &decoded))
	require.Equal(t, "alice", decoded["user"])
	require.Equal(t, "/ega/alice/f.c4gh", decoded["filepath"])
	require.Contains(t, decoded["reason"], "schema said no")
	require.Equal(t, []any{map[string]any{"type": "sha256", "value": "abc"}},
		decoded["encrypted_checksums"])
	require.NotContains(t, decoded, "decrypted_checksums")
}

func TestErrorRecordCarriesDecryptedChecksums(t *testing.T) {
	var body = []byte(`{"user":"u","filepath":"/p/f",` +
		`"decrypted_checksums":[{"type":"sha256","value":"h"}]}`)

	record, err := errorRecord(body, errors.New("boom"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(record, &decoded))
	require.Contains(t, decoded, "decrypted_checksums")
	require.NotContains(t, decoded, "encrypted_checksums")
}

func TestErrorRecordFromUndecodableBody(t *testing.T) {
	var record, err = errorRecord([]byte("not json"), errors.New("bad message"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(record, &decoded))
	require.Equal(t, "", decoded["user"])
	require.Contains(t, decoded["reason"], "bad message")
}

// fakeAcknowledger records delivery settlements.
type fakeAcknowledger struct {
	acks    int
	rejects int
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	return errors.New("unexpected nack")
}
func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.rejects++
	a.requeue = requeue
	return nil
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	var consumer = New(config.BrokerConfig{}, "inbox", "error")
	var acker = new(fakeAcknowledger)

	consumer.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{"user":"u","filepath":"/f"}`),
	}, func(context.Context, Delivery) error { return nil })

	require.Equal(t, 1, acker.acks)
	require.Zero(t, acker.rejects)
}

func TestDispatchRejectsWithoutRequeueOnFailure(t *testing.T) {
	var consumer = New(config.BrokerConfig{}, "inbox", "error")
	var acker = new(fakeAcknowledger)

	consumer.dispatch(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{"user":"u","filepath":"/f"}`),
	}, func(context.Context, Delivery) error { return errors.New("handler failed") })

	require.Zero(t, acker.acks)
	require.Equal(t, 1, acker.rejects)
	require.False(t, acker.requeue)
}

func TestDispatchLeavesDeliveryUnsettledOnShutdown(t *testing.T) {
	var consumer = New(config.BrokerConfig{}, "inbox", "error")
	var acker = new(fakeAcknowledger)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	// A handler interrupted by shutdown fails through no fault of the
	// message; it must be redelivered, so neither ack nor reject.
	consumer.dispatch(ctx, amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{"user":"u","filepath":"/f"}`),
	}, func(ctx context.Context, _ Delivery) error { return ctx.Err() })

	require.Zero(t, acker.acks)
	require.Zero(t, acker.rejects)
}

func TestDispatchHandlerSeesDelivery(t *testing.T) {
	var consumer = New(config.BrokerConfig{}, "inbox", "error")
	var got Delivery

	consumer.dispatch(context.Background(), amqp.Delivery{
		Acknowledger:  new(fakeAcknowledger),
		CorrelationId: "corr-9",
		Body:          []byte(`{"user":"u"}`),
	}, func(_ context.Context, d Delivery) error { got = d; return nil })

	require.Equal(t, "corr-9", got.CorrelationID)
	require.JSONEq(t, `{"user":"u"}`, string(got.Body))
}

func TestConnectBoundedRetries(t *testing.T) {
	var consumer = New(config.BrokerConfig{
		Host:       "127.0.0.1",
		Port:       1, // nothing listens here
		User:       "sda",
		VHost:      "sda",
		SSL:        "false",
		MaxRetries: 1,
	}, "inbox", "error")

	var err = consumer.Connect(context.Background())
	require.Error(t, err)
}

func TestConnectHonorsCancellation(t *testing.T) {
	var consumer = New(config.BrokerConfig{
		Host:  "127.0.0.1",
		Port:  1,
		User:  "sda",
		VHost: "sda",
		SSL:   "false",
	}, "inbox", "error")

	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err = consumer.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeReturnsCleanlyWhenCancelledWhileConnecting(t *testing.T) {
	var consumer = New(config.BrokerConfig{
		Host:  "127.0.0.1",
		Port:  1,
		User:  "sda",
		VHost: "sda",
		SSL:   "false",
	}, "inbox", "error")

	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var err = consumer.Serve(ctx, func(context.Context, Delivery) error { return nil })
	require.NoError(t, err)
}

func TestPublishRequiresConnection(t *testing.T) {
	var consumer = New(config.BrokerConfig{}, "inbox", "error")
	require.Error(t, consumer.Publish(context.Background(), "ingest", "corr", []byte(`{}`)))
}

func TestTLSConfigWithoutCACert(t *testing.T) {
	var consumer = New(config.BrokerConfig{SSL: "true"}, "inbox", "error")

	var cfg, err = consumer.tlsConfig()
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
	require.Nil(t, cfg.RootCAs)
}

func TestTLSConfigWithCACert(t *testing.T) {
	var dir = t.TempDir()
	var caPath = filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caPath, testCertPEM(t), 0o600))

	var consumer = New(config.BrokerConfig{SSL: "true", CACert: caPath}, "inbox", "error")

	var cfg, err = consumer.tlsConfig()
	require.NoError(t, err)
	require.False(t, cfg.InsecureSkipVerify)
	require.NotNil(t, cfg.RootCAs)
}

func TestTLSConfigRejectsBadCACert(t *testing.T) {
	var dir = t.TempDir()
	var caPath = filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caPath, []byte("not a certificate"), 0o600))

	var consumer = New(config.BrokerConfig{SSL: "true", CACert: caPath}, "inbox", "error")
	var _, err = consumer.tlsConfig()
	require.Error(t, err)
}

// testCertPEM builds a throwaway self-signed certificate.
func testCertPEM(t *testing.T) []byte {
	var key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var template = x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
