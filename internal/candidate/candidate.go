// Package candidate holds the roster of KOLs a market can be opened on and
// maps the Solana wallets they trade from back to candidate ids.
package candidate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/kolmarket/market-engine/internal/model"
)

// idRegex matches candidate ids: lowercase slug, e.g. "ansem" or "kol_42".
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// walletRegex matches a base58-encoded Solana public key.
// Base58 excludes 0, O, I and l.
var walletRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

var (
	ErrInvalidID     = errors.New("candidate: invalid id")
	ErrInvalidWallet = errors.New("candidate: invalid wallet address")
	ErrDuplicate     = errors.New("candidate: duplicate id or wallet")
)

// Candidate is a KOL that can be bet on.
type Candidate struct {
	ID     string `json:"id" toml:"id"`
	Name   string `json:"name" toml:"name"`
	Wallet string `json:"wallet" toml:"wallet"`
}

// Validate checks the id and wallet formats.
func (c Candidate) Validate() error {
	if !idRegex.MatchString(c.ID) {
		return fmt.Errorf("%w: %q (expected lowercase slug)", ErrInvalidID, c.ID)
	}
	if !walletRegex.MatchString(c.Wallet) {
		return fmt.Errorf("%w: %q for %s", ErrInvalidWallet, c.Wallet, c.ID)
	}
	return nil
}

// Roster is an immutable set of candidates indexed by id and wallet.
type Roster struct {
	ordered  []Candidate
	byID     map[string]Candidate
	byWallet map[string]Candidate
}

// NewRoster validates every candidate and builds the lookup indexes.
// Candidates are kept sorted by id.
func NewRoster(candidates []Candidate) (*Roster, error) {
	r := &Roster{
		ordered:  make([]Candidate, 0, len(candidates)),
		byID:     make(map[string]Candidate, len(candidates)),
		byWallet: make(map[string]Candidate, len(candidates)),
	}
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.byID[c.ID]; ok {
			return nil, fmt.Errorf("%w: id %s", ErrDuplicate, c.ID)
		}
		if _, ok := r.byWallet[c.Wallet]; ok {
			return nil, fmt.Errorf("%w: wallet %s", ErrDuplicate, c.Wallet)
		}
		r.byID[c.ID] = c
		r.byWallet[c.Wallet] = c
		r.ordered = append(r.ordered, c)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].ID < r.ordered[j].ID })
	return r, nil
}

// Get returns the candidate with the given id.
func (r *Roster) Get(id string) (Candidate, error) {
	c, ok := r.byID[id]
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %s", model.ErrCandidateNotFound, id)
	}
	return c, nil
}

// ByWallet resolves a trading wallet to its candidate.
func (r *Roster) ByWallet(wallet string) (Candidate, bool) {
	c, ok := r.byWallet[wallet]
	return c, ok
}

// IDs returns candidate ids in sorted order.
func (r *Roster) IDs() []string {
	ids := make([]string, len(r.ordered))
	for i, c := range r.ordered {
		ids[i] = c.ID
	}
	return ids
}

// All returns a copy of the roster, sorted by id.
func (r *Roster) All() []Candidate {
	out := make([]Candidate, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Roster) Len() int { return len(r.ordered) }
