package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/machinefabric/gisgate-go/fault"
)

// ProtocolVersion is the only message version accepted.
const ProtocolVersion = 1

// Message is a decoded request.
type Message struct {
	Version   int            `cbor:"version" json:"version"`
	ID        any            `cbor:"id" json:"id"`
	Method    string         `cbor:"method" json:"method"`
	Params    map[string]any `cbor:"params,omitempty" json:"params,omitempty"`
	AuthToken string         `cbor:"auth_token,omitempty" json:"auth_token,omitempty"`
}

// Response answers exactly one request; ID mirrors the request's id.
type Response struct {
	ID     any        `cbor:"id" json:"id"`
	Result any        `cbor:"result,omitempty" json:"result,omitempty"`
	Error  *ErrorBody `cbor:"error,omitempty" json:"error,omitempty"`
}

// ErrorBody is the wire form of a pipeline error.
type ErrorBody struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
	Subtype string `cbor:"subtype,omitempty" json:"subtype,omitempty"`
	Field   string `cbor:"field,omitempty" json:"field,omitempty"`
	// RetryAfter is in seconds.
	RetryAfter float64 `cbor:"retry_after,omitempty" json:"retry_after,omitempty"`
}

func (e *ErrorBody) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorFrom renders err for the wire.
func ErrorFrom(err error) *ErrorBody {
	fe := fault.From(err)
	body := &ErrorBody{
		Code:    fe.Code(),
		Message: fe.Message,
		Subtype: fe.Subtype,
		Field:   fe.Field,
	}
	if fe.RetryAfter > 0 {
		body.RetryAfter = math.Ceil(fe.RetryAfter.Seconds()*1000) / 1000
	}
	return body
}

// RetryAfterDuration converts the wire retry hint back into a duration.
func (e *ErrorBody) RetryAfterDuration() time.Duration {
	return time.Duration(e.RetryAfter * float64(time.Second))
}

// Result builds a success response.
func Result(id any, result any) *Response {
	return &Response{ID: id, Result: result}
}

// Failure builds an error response.
func Failure(id any, err error) *Response {
	return &Response{ID: id, Error: ErrorFrom(err)}
}

// IDKey normalizes a request id so ids decoded by different codecs compare
// equal: integers of any width and integral floats share one form.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return "i:" + strconv.FormatInt(i, 10)
		}
		return "n:" + v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return "i:" + strconv.FormatInt(int64(v), 10)
		}
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64)
	case uint64:
		return "i:" + strconv.FormatUint(v, 10)
	case int64:
		return "i:" + strconv.FormatInt(v, 10)
	case int:
		return "i:" + strconv.Itoa(v)
	case uint32:
		return "i:" + strconv.FormatUint(uint64(v), 10)
	case int32:
		return "i:" + strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprintf("x:%v", v)
	}
}
