package toll

import "sort"

// PaymentSelector picks a signer for one of a challenge's accepted
// requirements and produces the signed payload.
type PaymentSelector interface {
	// SelectAndSign chooses the best (signer, requirement) pair from the
	// challenge's accepted requirements and creates a signed payment.
	SelectAndSign(accepts []PaymentRequirements, signers []Signer) (*PaymentPayload, error)
}

// DefaultPaymentSelector implements the standard payment selection
// algorithm. Candidates are ordered by:
// 1. Signer priority (lower number = higher priority)
// 2. Signer configuration order
// 3. Requirement declaration order (the seller's preference)
// Only the winning candidate is signed: a signing failure surfaces to the
// caller instead of silently falling through to another signer.
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// SelectAndSign implements PaymentSelector.
func (s *DefaultPaymentSelector) SelectAndSign(accepts []PaymentRequirements, signers []Signer) (*PaymentPayload, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}
	if len(accepts) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "challenge accepts no payment options", ErrInvalidRequirements)
	}

	var candidates []signerCandidate
	overLimit := false
	for ri, req := range accepts {
		if req.Amount <= 0 {
			return nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements).
				WithDetails("resource", req.Resource)
		}
		for si, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}
			if limiter, ok := signer.(SpendLimiter); ok {
				if max := limiter.MaxAmount(); max > 0 && req.Amount > max {
					overLimit = true
					continue
				}
			}
			priority := 0
			if p, ok := signer.(PrioritySigner); ok {
				priority = p.Priority()
			}
			candidates = append(candidates, signerCandidate{
				signer:           signer,
				requirement:      req,
				signerPriority:   priority,
				signerIndex:      si,
				requirementIndex: ri,
			})
		}
	}

	if len(candidates) == 0 {
		if overLimit {
			return nil, NewPaymentError(ErrCodeAmountExceeded, "required amount exceeds every signer's limit", ErrAmountExceeded)
		}
		err := NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy requirements", ErrNoValidSigner)
		for _, req := range accepts {
			err = err.WithDetails(req.Network, req.Amount.String())
		}
		return nil, err
	}

	// Sort by signer priority, then configuration order, then the seller's
	// declared requirement order. Lower priority numbers come first.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].signerPriority != candidates[j].signerPriority {
			return candidates[i].signerPriority < candidates[j].signerPriority
		}
		if candidates[i].signerIndex != candidates[j].signerIndex {
			return candidates[i].signerIndex < candidates[j].signerIndex
		}
		return candidates[i].requirementIndex < candidates[j].requirementIndex
	})

	selected := candidates[0]

	auth, err := NewAuthorization(selected.requirement, selected.signer.Address())
	if err != nil {
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to build authorization", err)
	}

	payment, err := selected.signer.Sign(auth)
	if err != nil {
		return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}

	// The payload must mirror the requirement it pays for; a signer that
	// rewrites fields would produce payments the facilitator rejects.
	if !payment.Matches(selected.requirement) {
		return nil, NewPaymentError(ErrCodeSigningFailed, "signer altered authorization fields", ErrSigning)
	}

	return payment, nil
}

// signerCandidate represents a signer able to pay one of the accepted
// requirements.
type signerCandidate struct {
	signer           Signer
	requirement      PaymentRequirements
	signerPriority   int
	signerIndex      int
	requirementIndex int
}

// FindMatchingRequirement returns the first requirement the payload claims
// to satisfy, matching on scheme and network. Sellers use it to pick which
// accepted option to verify a received payload against.
func FindMatchingRequirement(payment *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		if accepts[i].Scheme == payment.Scheme && accepts[i].Network == payment.Network {
			return &accepts[i], nil
		}
	}
	return nil, NewPaymentError(ErrCodeUnsupportedScheme, "no requirement matches payment scheme and network", ErrUnsupportedScheme).
		WithDetails("scheme", payment.Scheme).
		WithDetails("network", payment.Network)
}
