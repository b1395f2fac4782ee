package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
)

// UnaryClientInterceptor builds the buyer side of the gate: it invokes the
// call, and when the server answers with a payment challenge it signs the
// best affordable option and retries exactly once with payment metadata
// attached. A second challenge ends the handshake with ErrPaymentRejected
// carrying the seller's reason. Capture the settlement with the
// grpc.Trailer call option and decode it with SettlementFromTrailer.
func UnaryClientInterceptor(signers ...toll.Signer) grpc.UnaryClientInterceptor {
	selector := toll.NewDefaultPaymentSelector()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}
		challenge, ok := ChallengeFromError(err)
		if !ok {
			return err
		}

		// An abandoned call must not produce a payment.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		payment, err := selector.SelectAndSign(challenge.Accepts, signers)
		if err != nil {
			return err
		}
		header, err := encoding.EncodePayment(*payment)
		if err != nil {
			return toll.NewPaymentError(toll.ErrCodeSigningFailed, "failed to encode payment metadata", err)
		}

		paidCtx := metadata.AppendToOutgoingContext(ctx, PaymentMetadataKey, header)
		err = invoker(paidCtx, method, req, reply, cc, opts...)
		if err == nil {
			return nil
		}

		// A second challenge ends the handshake: surface the seller's reason
		// instead of paying again.
		if second, ok := ChallengeFromError(err); ok {
			message := "payment rejected by seller"
			if second.Error != "" {
				message += ": " + second.Error
			}
			return toll.NewPaymentError(toll.ErrCodePaymentRejected, message, toll.ErrPaymentRejected).
				WithDetails("reason", second.Error)
		}
		return err
	}
}
