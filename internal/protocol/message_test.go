package protocol

import "testing"

func TestEnvelopeValidate(t *testing.T) {
	valid := Envelope{Type: TypePrepare, TransferID: "tx-1", Sender: "CPBKCGCG", Nonce: "n-1"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		name string
		env  Envelope
	}{
		{"unknown type", Envelope{Type: "SETTLE", TransferID: "tx", Sender: "A", Nonce: "n"}},
		{"missing transfer id", Envelope{Type: TypeCommit, Sender: "A", Nonce: "n"}},
		{"missing sender", Envelope{Type: TypeCommit, TransferID: "tx", Nonce: "n"}},
		{"missing nonce", Envelope{Type: TypeCommit, TransferID: "tx", Sender: "A"}},
	}
	for _, tc := range cases {
		if err := tc.env.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDigestCoversContent(t *testing.T) {
	base := Envelope{Type: TypePrepare, TransferID: "tx-1", Sender: "A", Nonce: "n-1",
		DestinationAccountID: "acct", Amount: 100}

	same := base
	if base.Digest() != same.Digest() {
		t.Fatalf("identical envelopes must share a digest")
	}

	changedAmount := base
	changedAmount.Amount = 200
	if base.Digest() == changedAmount.Digest() {
		t.Fatalf("digest must change with the amount")
	}

	changedNonce := base
	changedNonce.Nonce = "n-2"
	if base.Digest() == changedNonce.Digest() {
		t.Fatalf("digest must change with the nonce")
	}
}
