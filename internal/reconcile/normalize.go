package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedPayload is returned for bodies that are not a JSON object.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Bucket is the normalized meaning of a gateway status string.
type Bucket string

const (
	BucketSuccess Bucket = "success"
	BucketFailure Bucket = "failure"
	BucketPending Bucket = "pending"
)

// Notification is a gateway callback reduced to the fields reconciliation needs.
type Notification struct {
	IdempotencyKey       string
	Status               string
	Bucket               Bucket
	GatewayTransactionID string
	Phone                string
	Amount               int64
	HasAmount            bool
}

// fieldAliases lists, per field and in priority order, every key spelling seen
// from the gateways we integrate with. Keys are compared after canonicalKey.
var fieldAliases = struct {
	key, status, gatewayID, amount, phone []string
}{
	key:       []string{"idempotencykey", "externalid", "externalreference", "merchantreference", "clientreference", "reference", "referenceid", "txref", "orderid"},
	status:    []string{"status", "transactionstatus", "paymentstatus", "state"},
	gatewayID: []string{"gatewaytransactionid", "transactionid", "financialtransactionid", "providerreference", "paymentid"},
	amount:    []string{"amount", "paidamount", "value"},
	phone:     []string{"phone", "phonenumber", "msisdn", "customerphone", "payer"},
}

// genericIDKey is tried for the gateway id only after every specific alias,
// and only on the innermost level: an enveloped payload's top-level id names
// the event, not the transaction.
const genericIDKey = "id"

// nestedContainers are the envelope keys under which gateways wrap the payload.
var nestedContainers = []string{"data", "payload", "transaction", "object", "resource"}

var statusBuckets = map[string]Bucket{
	"success":    BucketSuccess,
	"successful": BucketSuccess,
	"succeeded":  BucketSuccess,
	"completed":  BucketSuccess,
	"complete":   BucketSuccess,
	"paid":       BucketSuccess,
	"approved":   BucketSuccess,
	"settled":    BucketSuccess,

	"failed":    BucketFailure,
	"failure":   BucketFailure,
	"fail":      BucketFailure,
	"declined":  BucketFailure,
	"cancelled": BucketFailure,
	"canceled":  BucketFailure,
	"rejected":  BucketFailure,
	"expired":   BucketFailure,
	"error":     BucketFailure,
	"reversed":  BucketFailure,
}

// BucketOf maps a raw gateway status to its bucket. Unknown values are pending.
func BucketOf(status string) Bucket {
	if b, ok := statusBuckets[strings.ToLower(strings.TrimSpace(status))]; ok {
		return b
	}
	return BucketPending
}

var separators = strings.NewReplacer("_", "", "-", "")

func canonicalKey(k string) string {
	return separators.Replace(strings.ToLower(k))
}

type level map[string]any

func canonicalLevel(obj map[string]any) level {
	out := make(level, len(obj))
	for k, v := range obj {
		ck := canonicalKey(k)
		if _, dup := out[ck]; !dup {
			out[ck] = v
		}
	}
	return out
}

// Normalize decodes a gateway callback through the alias table. Top-level keys
// win over the first nested envelope found.
func Normalize(raw []byte) (Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return Notification{}, ErrMalformedPayload
	}

	top := canonicalLevel(obj)
	levels := []level{top}
	for _, name := range nestedContainers {
		if nested, ok := top[name].(map[string]any); ok {
			levels = append(levels, canonicalLevel(nested))
			break
		}
	}

	n := Notification{
		IdempotencyKey:       stringField(levels, fieldAliases.key),
		Status:               stringField(levels, fieldAliases.status),
		GatewayTransactionID: stringField(levels, fieldAliases.gatewayID),
		Phone:                stringField(levels, fieldAliases.phone),
	}
	if n.GatewayTransactionID == "" {
		n.GatewayTransactionID = stringField(levels[len(levels)-1:], []string{genericIDKey})
	}
	n.Bucket = BucketOf(n.Status)
	n.Amount, n.HasAmount = amountField(levels, fieldAliases.amount)
	return n, nil
}

func lookup(levels []level, aliases []string) (any, bool) {
	for _, lv := range levels {
		for _, alias := range aliases {
			if v, ok := lv[alias]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func stringField(levels []level, aliases []string) string {
	v, ok := lookup(levels, aliases)
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func amountField(levels []level, aliases []string) (int64, bool) {
	v, ok := lookup(levels, aliases)
	if !ok {
		return 0, false
	}
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = strings.TrimSpace(val)
	default:
		return 0, false
	}
	amount, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return amount, true
}
