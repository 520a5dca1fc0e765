// Package mocks provides mock implementations of the postcron core ports.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockPostRepository(ctrl)
//	mockRepo.EXPECT().ClaimDue(gomock.Any(), gomock.Any()).Return(posts, nil)
package mocks

// Generate mock for PostRepository interface from internal/core package.
// This creates MockPostRepository with methods for all PostRepository interface methods:
// Create, GetByID, ListByOwner, FindDue, ClaimDue, MarkPosted, MarkFailed, FailExhausted, Count, ListUncharged, Retry
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=post_repository_mock.go github.com/target/postcron/internal/core PostRepository

// Generate mock for Publisher interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=publisher_mock.go github.com/target/postcron/internal/core Publisher

// Generate mock for CreditLedger interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=credit_ledger_mock.go github.com/target/postcron/internal/core CreditLedger

// Generate mock for Alerter interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=alerter_mock.go github.com/target/postcron/internal/core Alerter

// Generate mock for RunLocker interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=run_locker_mock.go github.com/target/postcron/internal/core RunLocker
