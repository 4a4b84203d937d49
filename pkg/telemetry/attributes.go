package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on gateway spans.
const (
	KeyProductID  = attribute.Key("accessgate.product_id")
	KeyAccessType = attribute.Key("accessgate.access_type")
	KeyReason     = attribute.Key("accessgate.reason")
	KeyResult     = attribute.Key("accessgate.result")
)

// SafeAttributes builds span attributes from values that are safe to
// export. Tokens and holders have no setter.
type SafeAttributes struct {
	attrs []attribute.KeyValue
}

func NewSafeAttributes() *SafeAttributes {
	return &SafeAttributes{}
}

func (sa *SafeAttributes) HTTPMethod(method string) *SafeAttributes {
	return sa.add(attribute.String("http.request.method", method))
}

// HTTPRoute expects a sanitized path.
func (sa *SafeAttributes) HTTPRoute(route string) *SafeAttributes {
	return sa.add(attribute.String("http.route", route))
}

func (sa *SafeAttributes) HTTPStatusCode(code int) *SafeAttributes {
	return sa.add(attribute.Int("http.response.status_code", code))
}

func (sa *SafeAttributes) ProductID(id string) *SafeAttributes {
	return sa.addNonEmpty(KeyProductID, id)
}

func (sa *SafeAttributes) AccessType(t string) *SafeAttributes {
	return sa.addNonEmpty(KeyAccessType, t)
}

// Reason records a denial or failure code, never a gate sub-reason.
func (sa *SafeAttributes) Reason(code string) *SafeAttributes {
	return sa.addNonEmpty(KeyReason, code)
}

func (sa *SafeAttributes) Result(result string) *SafeAttributes {
	return sa.addNonEmpty(KeyResult, result)
}

func (sa *SafeAttributes) Build() []attribute.KeyValue {
	return sa.attrs
}

func (sa *SafeAttributes) add(kv attribute.KeyValue) *SafeAttributes {
	sa.attrs = append(sa.attrs, kv)
	return sa
}

func (sa *SafeAttributes) addNonEmpty(key attribute.Key, value string) *SafeAttributes {
	if value == "" {
		return sa
	}
	return sa.add(key.String(value))
}
