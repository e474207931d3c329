package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// MaxDeliveriesFilter converts Retry outcomes into rejections once the
// transport has delivered a message too many times. It guards against
// messages that would otherwise cycle through the queue forever.
type MaxDeliveriesFilter struct {
	// Max is the delivery count at which retries stop. Zero means 5.
	Max int
}

func (f *MaxDeliveriesFilter) limit() int {
	if f.Max <= 0 {
		return 5
	}
	return f.Max
}

func (f *MaxDeliveriesFilter) OnResultExecuting(c *ResultExecutingContext) {
	if c.Disposition().Kind != DispositionRetry {
		return
	}
	if c.Message().DeliveryCount >= f.limit() {
		c.SetDisposition(Reject("RetryExhausted",
			fmt.Sprintf("delivery count %d reached the limit of %d", c.Message().DeliveryCount, f.limit())))
	}
}

func (f *MaxDeliveriesFilter) OnResultExecuted(c *ResultExecutedContext) {}

// RequirePropertiesFilter rejects messages that are missing required
// application properties. It runs in the authorization stage so unauthorized
// messages never touch resources.
type RequirePropertiesFilter struct {
	// Keys are the property names that must be present and non-empty.
	Keys []string
}

func (f *RequirePropertiesFilter) OnAuthorization(c *AuthorizationContext) {
	var missing []string
	for _, key := range f.Keys {
		if c.Message().Property(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		c.SetDisposition(Reject("AuthorizationFailed",
			"missing required properties: "+strings.Join(missing, ", ")))
	}
}

// SchemaFilter validates the message payload against a JSON schema before
// the task runs. Invalid payloads are rejected; retrying them would never
// succeed.
type SchemaFilter struct {
	schema *gojsonschema.Schema
}

// NewSchemaFilter compiles the given JSON schema document.
func NewSchemaFilter(schemaJSON []byte) (*SchemaFilter, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("pipewright: compiling schema: %w", err)
	}
	return &SchemaFilter{schema: schema}, nil
}

func (f *SchemaFilter) OnActionExecuting(c *ActionExecutingContext) {
	result, err := f.schema.Validate(gojsonschema.NewBytesLoader(c.Message().Payload))
	if err != nil {
		c.SetDisposition(Reject("SchemaValidationFailed", err.Error()))
		return
	}
	if result.Valid() {
		return
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	c.SetDisposition(Reject("SchemaValidationFailed", strings.Join(details, "; ")))
}

func (f *SchemaFilter) OnActionExecuted(c *ActionExecutedContext) {}

const timingFilterKey = "pipewright_timing_started_at"

// TimingFilter measures how long the resource-wrapped part of processing
// takes and stores the result in the per-message value bag under "elapsed".
type TimingFilter struct {
	// Record receives the measured duration. Nil drops the measurement after
	// storing it in the value bag.
	Record func(routingKey string, elapsed time.Duration)
}

func (f *TimingFilter) OnResourceExecuting(c *ResourceExecutingContext) {
	c.Set(timingFilterKey, time.Now())
}

func (f *TimingFilter) OnResourceExecuted(c *ResourceExecutedContext) {
	v, ok := c.Get(timingFilterKey)
	if !ok {
		return
	}
	started, ok := v.(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(started)
	c.Set("elapsed", elapsed)
	if f.Record != nil {
		f.Record(c.Message().RoutingKey, elapsed)
	}
}
