package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
)

const (
	// PaymentMetadataKey is the call metadata key carrying the encoded
	// PaymentPayload, the gRPC analog of the X-Payment header.
	PaymentMetadataKey = "toll-payment"

	// SettlementTrailerKey is the trailer key carrying the encoded
	// SettleResult, the gRPC analog of the X-Payment-Response header.
	SettlementTrailerKey = "toll-payment-response"
)

// ChallengeFromError extracts a payment challenge from a gRPC call error.
// ok is false when the error is not a ResourceExhausted status carrying a
// decodable challenge, i.e. when the call failed for unrelated reasons.
func ChallengeFromError(err error) (*toll.PaymentChallenge, bool) {
	st, found := status.FromError(err)
	if !found || st.Code() != codes.ResourceExhausted {
		return nil, false
	}
	challenge, decodeErr := encoding.DecodeChallenge(st.Message())
	if decodeErr != nil {
		return nil, false
	}
	return &challenge, true
}

// SettlementFromTrailer returns the settlement attached to a paid call's
// trailer, captured with the grpc.Trailer call option. Returns (nil, nil)
// when the trailer carries no settlement, e.g. on an ungated method or
// under a VerifyOnly seller.
func SettlementFromTrailer(md metadata.MD) (*toll.SettleResult, error) {
	values := md.Get(SettlementTrailerKey)
	if len(values) == 0 {
		return nil, nil
	}
	settlement, err := encoding.DecodeSettlement(values[0])
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}
