package bus

import "testing"

func TestTopics_TaskPrefixCoversLifecycle(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	topics := []string{TopicTaskStateChanged, TopicTaskCompleted, TopicTaskFailed, TopicTaskCancelled}
	seen := map[string]bool{}
	for _, topic := range topics {
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
		b.Publish(topic, TaskStateChangedEvent{TaskID: "t1"})
	}
	b.Publish(TopicProgressUpdated, ProgressEvent{TaskID: "t1"})

	if got := len(sub.Ch()); got != len(topics) {
		t.Fatalf("task subscriber received %d events, want %d", got, len(topics))
	}
}
