package audit

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/docflow/internal/canonical"
	"github.com/ILLUVRSE/docflow/internal/signer"
)

// Sealer turns drafts into chained, signed events. Stores call Seal inside the
// transaction that holds the stream head so Seq and PrevHash cannot race.
type Sealer struct {
	signer signer.Signer
	newID  func() string
}

func NewSealer(s signer.Signer) *Sealer {
	return &Sealer{signer: s, newID: newEventID}
}

// PublicKey exposes the verification key of the underlying signer.
func (s *Sealer) PublicKey() []byte {
	return s.signer.PublicKey()
}

// Seal appends d after the stream head (prevSeq, prevHash). prevSeq is 0 for a new stream.
func (s *Sealer) Seal(d Draft, prevSeq int64, prevHash string) (Event, error) {
	if d.StreamID == "" {
		return Event{}, errors.New("audit: draft without stream")
	}
	if d.Payload == nil {
		return Event{}, errors.New("audit: draft without payload")
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	ts := d.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := Event{
		ID:           s.newID(),
		StreamID:     d.StreamID,
		Seq:          prevSeq + 1,
		Type:         d.Payload.EventType(),
		Actor:        d.Actor,
		Payload:      payload,
		PrevHash:     prevHash,
		Ts:           ts.UTC().Truncate(time.Microsecond),
		StreamStatus: StatusPending,
	}
	hash, err := canonical.ChainHash(body(ev), prevHash)
	if err != nil {
		return Event{}, fmt.Errorf("hash event: %w", err)
	}
	sig, signerID, err := s.signer.Sign(hash)
	if err != nil {
		return Event{}, fmt.Errorf("sign hash: %w", err)
	}
	ev.Hash = hex.EncodeToString(hash)
	ev.Signature = base64.StdEncoding.EncodeToString(sig)
	ev.SignerID = signerID
	return ev, nil
}

// body is the hashed portion of an event.
func body(ev Event) map[string]interface{} {
	return map[string]interface{}{
		"streamId": ev.StreamID,
		"seq":      ev.Seq,
		"type":     ev.Type,
		"actor":    string(ev.Actor),
		"ts":       ev.Ts.UTC().Format(time.RFC3339Nano),
		"payload":  ev.Payload,
	}
}

// VerifyStream checks that events form one contiguous chain starting at seq 1: every hash
// equals SHA256(canonical(body) || prevHashBytes) and every signature verifies under pub.
func VerifyStream(events []Event, pub []byte) error {
	prev := ""
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			return fmt.Errorf("event %s: seq %d, want %d", ev.ID, ev.Seq, i+1)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("event %s: prev hash %q does not link to %q", ev.ID, ev.PrevHash, prev)
		}
		hash, err := canonical.ChainHash(body(ev), ev.PrevHash)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if computed := hex.EncodeToString(hash); computed != ev.Hash {
			return fmt.Errorf("hash mismatch for event %s (type=%s): computed=%s stored=%s", ev.ID, ev.Type, computed, ev.Hash)
		}
		sig, err := base64.StdEncoding.DecodeString(ev.Signature)
		if err != nil {
			return fmt.Errorf("invalid signature encoding for event %s: %w", ev.ID, err)
		}
		if !signer.Verify(pub, hash, sig) {
			return fmt.Errorf("signature verification failed for event %s with signer %s", ev.ID, ev.SignerID)
		}
		prev = ev.Hash
	}
	return nil
}
