package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autorev/paddock/pkg/types"
)

func TestFingerprintMasksVolatileTokens(t *testing.T) {
	a := types.EventRecord{Kind: types.EventError, Message: "timeout after 3021ms for request 7f3a9b2c-1d4e-4f5a-8b6c-9d0e1f2a3b4c", StackTop: "api.ts:120"}
	b := types.EventRecord{Kind: types.EventError, Message: "timeout after 2998ms for request 0a1b2c3d-4e5f-6a7b-8c9d-0e1f2a3b4c5d", StackTop: "api.ts:98"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDistinguishesMessages(t *testing.T) {
	a := types.EventRecord{Kind: types.EventError, Message: "payment declined", StackTop: "checkout.ts:10"}
	b := types.EventRecord{Kind: types.EventError, Message: "payment timed out", StackTop: "checkout.ts:10"}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDistinguishesStackFrames(t *testing.T) {
	a := types.EventRecord{Kind: types.EventError, Message: "undefined is not a function", StackTop: "pricing.ts:42"}
	b := types.EventRecord{Kind: types.EventError, Message: "undefined is not a function", StackTop: "laptimes.ts:17"}

	// Same masked message, different origin file: distinct buckets. The
	// masked line numbers collapse but file names stay significant.
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintConversationBySubjectAndCategory(t *testing.T) {
	a := types.EventRecord{Kind: types.EventConversation, Subject: "Porsche 911 GT3 (992)", Category: "pricing"}
	b := types.EventRecord{Kind: types.EventConversation, Subject: "porsche-911-gt3-992", Category: "Pricing"}
	c := types.EventRecord{Kind: types.EventConversation, Subject: "porsche-911-gt3-992", Category: "reliability"}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestFingerprintKindsNeverCollide(t *testing.T) {
	err := types.EventRecord{Kind: types.EventError, Message: "pricing"}
	conv := types.EventRecord{Kind: types.EventConversation, Subject: "pricing"}

	assert.NotEqual(t, Fingerprint(err), Fingerprint(conv))
}
