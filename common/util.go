package common

import (
	"context"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// GetLogTagsForContext creates a copy of the component's log tags with the request parameters
// attached to the context (if any) merged in
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt == nil {
		return result
	}
	if v, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		v.UpdateLogTags(result)
	}
	return result
}

// GetUnitTestNatsURI helper function to fetch the NATS server URI used in unit tests.
//
// An empty string means NATS backed tests should be skipped.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URL")
}
