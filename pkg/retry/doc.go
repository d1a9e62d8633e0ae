// Package retry provides capped exponential backoff with a bounded attempt count.
//
// Channel endpoints use it to ride out the startup race between processes
// (a sender dialing before its receiver has bound) and short connection
// losses. When the attempts run out the caller escalates:
//
//	conn, err := retry.DoWithResult(ctx, policy, func() (net.Conn, error) {
//	    return dialer.DialContext(ctx, "unix", path)
//	})
//	if err != nil {
//	    // exhausted: report a transport failure and shut the pipeline down
//	}
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
