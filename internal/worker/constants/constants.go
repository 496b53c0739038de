// Prover client constants
// Centralized queue sizes, retry pacing and rate limiting values

package constants

import "time"

// =============================================================================
// Queue Configuration
// =============================================================================
// Queue sizes are larger than the orchestrator page size (50) so a full page
// always fits without blocking the fetch loop.

// TaskQueueSize bounds the number of fetched tasks waiting to be proved
const TaskQueueSize = 100

// EventQueueSize bounds the activity event buffer shared by worker goroutines
const EventQueueSize = 100

// ResultQueueSize bounds the number of proofs waiting to be submitted
const ResultQueueSize = 100

// MaxActivityLogs is the number of events retained for the activity view
const MaxActivityLogs = 100

// LowWaterMark is the task queue depth at which replenishment begins
const LowWaterMark = 1

// ReplenishDelay debounces the replenishing fetch after the queue drains
const ReplenishDelay = 10 * time.Second

// QueuePollInterval is how often the fetch loop checks a task queue that is
// above the low-water mark
const QueuePollInterval = 250 * time.Millisecond

// CompletedTasksMultiplier derives the completed-task cache capacity from TaskQueueSize
const CompletedTasksMultiplier = 5

// CacheExpiration is how long a completed task id suppresses redelivery
const CacheExpiration = 5 * time.Minute

// =============================================================================
// Proving Configuration
// =============================================================================

// SubprocessSuspectedOOMCode is the prover exit code that likely means OOM kill
const SubprocessSuspectedOOMCode = 137

// SubprocessInternalErrorCode is the prover exit code for an internal failure
const SubprocessInternalErrorCode = 3

// ProjectedMemoryRequirement is the generic per-task memory projection (4 GiB)
const ProjectedMemoryRequirement uint64 = 4 << 30

// =============================================================================
// Difficulty Configuration
// =============================================================================

// PromotionThreshold is the completion time below which a node may be promoted
// to the next difficulty level. The decision itself is made by the caller.
const PromotionThreshold = 7 * time.Minute

// =============================================================================
// Task Fetching Backoff
// =============================================================================

// FetchInitialBackoff matches the orchestrator's task creation cadence
const FetchInitialBackoff = 2 * time.Minute

// FetchMaxRetries is the retry cap for task fetching
const FetchMaxRetries = 2

// FetchMinInterval is the minimum spacing between task fetch requests
const FetchMinInterval = 2 * time.Minute

// =============================================================================
// Proof Submission Backoff
// =============================================================================

// SubmissionInitialBackoff is short since a dropped submission loses work
const SubmissionInitialBackoff = time.Second

// SubmissionMaxRetries is the retry cap for proof submission
const SubmissionMaxRetries = 5

// SubmissionMinInterval is the minimum spacing between submission requests
const SubmissionMinInterval = 100 * time.Millisecond

// =============================================================================
// Sliding Window Rate Limiting
// =============================================================================

// FetchMaxRequestsPerWindow is the task fetch quota per window
const FetchMaxRequestsPerWindow = 60

// FetchWindow is the task fetch rate limiting window
const FetchWindow = time.Minute

// SubmissionMaxRequestsPerWindow is the proof submission quota per window
const SubmissionMaxRequestsPerWindow = 100

// SubmissionWindow is the proof submission rate limiting window
const SubmissionWindow = time.Minute

// =============================================================================
// Server Rate Limit (HTTP 429) Handling
// =============================================================================

// ExtraRetryDelay is added to every server-provided retry delay
const ExtraRetryDelay = 10 * time.Second

// DefaultRetryTimeoutSeconds seeds the shared 429 retry timeout
const DefaultRetryTimeoutSeconds = 30

// RetryJitterPercent is the +/- spread applied when reading the retry timeout
const RetryJitterPercent = 10

// =============================================================================
// Orchestrator Client Configuration
// =============================================================================

// OrchestratorRequestTimeout is the max time for a single orchestrator call
const OrchestratorRequestTimeout = 30 * time.Second

// OrchestratorMaxResponseBytes caps the size of a decoded response body
const OrchestratorMaxResponseBytes = 16 << 20

// =============================================================================
// Shutdown Configuration
// =============================================================================

// ShutdownTimeout is max time to wait for graceful shutdown
const ShutdownTimeout = 30 * time.Second

// ResultSendTimeout is max time a proving goroutine waits on a full result queue
const ResultSendTimeout = 5 * time.Second

// =============================================================================
// Validation Configuration
// =============================================================================

// MinProverConcurrency is minimum allowed proving goroutines
const MinProverConcurrency = 1

// MaxProverConcurrency is maximum recommended proving goroutines
const MaxProverConcurrency = 64
