package response

import "github.com/yourname/dailytally/internal"

// ErrorBody is the shape of every hard failure.
type ErrorBody struct {
	Error string `json:"error"`
}

// Failure is a rejected submission the client is expected to show to the user.
type Failure struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
	MaxSubtractable      int64  `json:"maxSubtractable,omitempty"`
}

type Readings struct {
	Total      int64             `json:"total"`
	Date       string            `json:"date"`
	UserCounts map[string]int64  `json:"userCounts"`
	Settings   internal.Settings `json:"settings"`
	Error      string            `json:"error,omitempty"`
}

type Submitted struct {
	Success      bool   `json:"success"`
	Adjusted     bool   `json:"adjusted"`
	NewTotal     *int64 `json:"newTotal,omitempty"`
	NewUserCount *int64 `json:"newUserCount,omitempty"`
}

type Synced struct {
	Success   bool   `json:"success,omitempty"`
	Message   string `json:"message"`
	SyncCount int    `json:"syncCount"`
}

type SeedData struct {
	Total        int64  `json:"total"`
	Date         string `json:"date"`
	UserCount    int    `json:"userCount"`
	PendingQueue int64  `json:"pendingQueue"`
}

type Seeded struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	SeededData SeedData `json:"seededData"`
}

func Error(msg string) ErrorBody {
	return ErrorBody{Error: msg}
}

func Rejected(msg string) Failure {
	return Failure{Message: msg}
}

func NeedsConfirmation(msg string, maxSubtractable int64) Failure {
	return Failure{Message: msg, RequiresConfirmation: true, MaxSubtractable: maxSubtractable}
}
