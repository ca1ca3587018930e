package observability

import (
	"fmt"

	"go.uber.org/multierr"
)

// ReportErrors logs every error folded into err (built with multierr) as a
// single entry on logger and returns err prefixed with the operation. A nil
// err is returned as nil without logging.
func ReportErrors(logger Logger, operation string, err error, fields ...Field) error {
	failures := multierr.Errors(err)
	if len(failures) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	messages := make([]string, len(failures))
	for i, f := range failures {
		messages[i] = f.Error()
	}
	logger.Error(operation+" failed", append(fields,
		F("operation", operation),
		F("error_count", len(failures)),
		F("errors", messages),
	)...)
	return fmt.Errorf("%s failed: %w", operation, err)
}
