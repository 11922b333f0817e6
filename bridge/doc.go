// Package bridge provides synchronous request-response over asynchronous messaging.
//
// A Correlator keeps a table of pending requests keyed by correlation token.
// The caller blocks in Execute until one of four things happens:
//
//   - the matching response is delivered through Resolve
//   - the request deadline passes (messaging.TimeoutError)
//   - the caller's context is done
//   - the Correlator is closed (messaging.ErrClosed)
//
// Exactly one of these wins. Responses that arrive after any other outcome
// find no entry and are dropped, so late and duplicate responses never
// reach a caller.
//
// Basic usage:
//
//	c := bridge.NewCorrelator(bridge.WithDefaultTimeout(10 * time.Second))
//	resp, err := c.Execute(ctx, func(ctx context.Context, token string) error {
//	    env.RequestID = token
//	    return link.Send(ctx, encode(env))
//	}, 0)
package bridge
