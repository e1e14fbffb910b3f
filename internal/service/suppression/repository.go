package suppression

import (
	"context"
)

// Repository defines the data access contract for opt-out flags.
type Repository interface {
	// OptOutEmail sets email_opt_out on every recipient whose email matches
	// case-insensitively. It returns the number of rows changed.
	OptOutEmail(ctx context.Context, email string) (int64, error)

	// OptOutPhones sets sms_opt_out on every recipient whose phone is one of
	// phones. It returns the number of rows changed.
	OptOutPhones(ctx context.Context, phones []string) (int64, error)
}
