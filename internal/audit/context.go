package audit

import "context"

// RequestInfo carries transport-level fields the recorder stamps onto
// events when the caller did not set them explicitly.
type RequestInfo struct {
	RequestID string
	SourceIP  string
	UserAgent string
	Endpoint  string
	Method    string
}

type requestInfoKey struct{}

// WithRequestInfo attaches request metadata to the context for audit writes.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext extracts previously attached request metadata.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	if ctx == nil {
		return RequestInfo{}, false
	}
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
