package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// Message attributes mirrored from the envelope body so the broker side can be
// inspected/filtered without full deserialization.
const (
	AttrJobType        = "job_type"
	AttrIdempotencyKey = "x-idempotency-key"
	AttrTenantId       = "x-tenant-id"
	AttrDeadReason     = "x-dead-reason"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func JobsTopicName() string {
	if v := strings.TrimSpace(os.Getenv("JOBS_TOPIC")); v != "" {
		return v
	}
	return "billing-jobs"
}

func JobsDeadLetterTopicName() string {
	if v := strings.TrimSpace(os.Getenv("JOBS_DLQ_TOPIC")); v != "" {
		return v
	}
	return "billing-jobs-dead"
}

// JobSubscriptionName returns the per-job-type subscription on the primary topic.
func JobSubscriptionName(jobType string) string {
	return JobsTopicName() + "-" + jobType
}

func DeadLetterSubscriptionName() string {
	return JobsDeadLetterTopicName() + "-monitor"
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	// Common fallback.
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// EnsureJobTopology declares the full routing graph once per process startup:
// one primary topic, one dead-letter topic, one filtered subscription per job
// type (each with a dead-letter policy pointing at the DLQ topic), and one
// catch-all subscription on the DLQ topic for the monitor.
//
// The declaration is idempotent. Re-declaring an existing subscription with
// identical parameters is a no-op; a parameter mismatch (different filter or
// dead-letter topic) is returned as an error and treated as a fatal
// misconfiguration by the caller; durability arguments must not change
// across deploys without a migration.
func EnsureJobTopology(ctx context.Context, jobTypes []string) error {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}

	primary, err := CreateTopicIfNotExists(ctx, client, JobsTopicName())
	if err != nil {
		return err
	}
	dead, err := CreateTopicIfNotExists(ctx, client, JobsDeadLetterTopicName())
	if err != nil {
		return err
	}

	projectID := getPubSubProjectID()
	deadTopicFQN := fmt.Sprintf("projects/%s/topics/%s", projectID, JobsDeadLetterTopicName())

	for _, jt := range jobTypes {
		filter := fmt.Sprintf(`attributes.%s = "%s"`, AttrJobType, jt)
		cfg := pubsub.SubscriptionConfig{
			Topic:       primary,
			AckDeadline: 60 * time.Second,
			Filter:      filter,
			// Broker-side backstop: if a worker keeps nacking (crash between
			// bookkeeping steps), the broker itself dead-letters the message
			// instead of redelivering forever.
			DeadLetterPolicy: &pubsub.DeadLetterPolicy{
				DeadLetterTopic:     deadTopicFQN,
				MaxDeliveryAttempts: 10,
			},
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: 10 * time.Second,
				MaximumBackoff: 5 * time.Minute,
			},
		}
		if err := ensureSubscription(ctx, client, JobSubscriptionName(jt), cfg, filter, deadTopicFQN); err != nil {
			return err
		}
	}

	// The monitor subscription has no filter and no DLQ of its own.
	monitorCfg := pubsub.SubscriptionConfig{
		Topic:       dead,
		AckDeadline: 30 * time.Second,
	}
	return ensureSubscription(ctx, client, DeadLetterSubscriptionName(), monitorCfg, "", "")
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, name string, cfg pubsub.SubscriptionConfig, wantFilter, wantDeadTopic string) error {
	sub := client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %q exists: %w", name, err)
	}
	if !exists {
		if _, err := client.CreateSubscription(ctx, name, cfg); err != nil {
			return fmt.Errorf("create subscription %q: %w", name, err)
		}
		return nil
	}

	// Existing subscription: verify the routing-critical parameters match.
	existing, err := sub.Config(ctx)
	if err != nil {
		return fmt.Errorf("read subscription %q config: %w", name, err)
	}
	if wantFilter != "" && existing.Filter != wantFilter {
		return fmt.Errorf("subscription %q filter mismatch: have %q want %q (migrate before redeploying)", name, existing.Filter, wantFilter)
	}
	if wantDeadTopic != "" {
		if existing.DeadLetterPolicy == nil || existing.DeadLetterPolicy.DeadLetterTopic != wantDeadTopic {
			return fmt.Errorf("subscription %q dead-letter topic mismatch (migrate before redeploying)", name)
		}
	}
	return nil
}

// PublishWithResult publishes data+attributes to the named topic and blocks
// until the broker confirms durable acceptance, bounded by PUBSUB_PUBLISH_TIMEOUT_SECONDS
// (default 30s). The returned id is the server-assigned message id.
func PublishWithResult(ctx context.Context, topicName string, data []byte, attrs map[string]string) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	if topicName == "" {
		return "", errors.New("topic is required")
	}

	timeout := time.Duration(intFromEnv("PUBSUB_PUBLISH_TIMEOUT_SECONDS", 30)) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := client.Topic(topicName)
	result := t.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}
