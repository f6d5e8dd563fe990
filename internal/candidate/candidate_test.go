package candidate

import (
	"errors"
	"testing"

	"github.com/kolmarket/market-engine/internal/model"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "DRpbCBMxVnDK7maPM5tGv6MvB3v1sRMC86PZ8okm21hy"
)

func testRoster(t *testing.T) *Roster {
	t.Helper()
	r, err := NewRoster([]Candidate{
		{ID: "zeta", Name: "Zeta", Wallet: walletB},
		{ID: "ansem", Name: "Ansem", Wallet: walletA},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func TestNewRoster_SortedAndIndexed(t *testing.T) {
	r := testRoster(t)
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != "ansem" || ids[1] != "zeta" {
		t.Errorf("expected sorted ids [ansem zeta], got %v", ids)
	}
	c, ok := r.ByWallet(walletB)
	if !ok || c.ID != "zeta" {
		t.Errorf("expected zeta for wallet B, got %+v", c)
	}
	if _, ok := r.ByWallet("unknown"); ok {
		t.Error("expected unknown wallet to miss")
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 candidates, got %d", r.Len())
	}
}

func TestGet_NotFound(t *testing.T) {
	r := testRoster(t)
	if _, err := r.Get("nobody"); !errors.Is(err, model.ErrCandidateNotFound) {
		t.Errorf("expected ErrCandidateNotFound, got %v", err)
	}
	if c, err := r.Get("ansem"); err != nil || c.Name != "Ansem" {
		t.Errorf("expected Ansem, got %+v, %v", c, err)
	}
}

func TestValidate_InvalidID(t *testing.T) {
	tests := []string{"", "Ansem", "-lead", "has space", "x/y"}
	for _, id := range tests {
		err := Candidate{ID: id, Wallet: walletA}.Validate()
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestValidate_InvalidWallet(t *testing.T) {
	tests := []string{
		"",
		"short",
		"0xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", // '0' is not base58
		"OxKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", // 'O' is not base58
		"7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsUextra",
	}
	for _, w := range tests {
		err := Candidate{ID: "ansem", Wallet: w}.Validate()
		if !errors.Is(err, ErrInvalidWallet) {
			t.Errorf("expected ErrInvalidWallet for %q, got %v", w, err)
		}
	}
}

func TestNewRoster_Duplicates(t *testing.T) {
	_, err := NewRoster([]Candidate{
		{ID: "ansem", Wallet: walletA},
		{ID: "ansem", Wallet: walletB},
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for id, got %v", err)
	}

	_, err = NewRoster([]Candidate{
		{ID: "ansem", Wallet: walletA},
		{ID: "zeta", Wallet: walletA},
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for wallet, got %v", err)
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	r := testRoster(t)
	all := r.All()
	all[0].Name = "changed"
	if c, _ := r.Get(all[0].ID); c.Name == "changed" {
		t.Error("All must not expose internal state")
	}
}
