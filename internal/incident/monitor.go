package incident

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// CategoryAlert is used for monitor alerts that carry no category label.
const CategoryAlert = "alert"

// alertmanagerPayload is the Prometheus Alertmanager webhook body (version 4).
type alertmanagerPayload struct {
	Version           string            `json:"version"`
	Status            string            `json:"status"`
	Receiver          string            `json:"receiver"`
	CommonLabels      map[string]string `json:"commonLabels"`
	CommonAnnotations map[string]string `json:"commonAnnotations"`
	ExternalURL       string            `json:"externalURL"`
	Alerts            []amAlert         `json:"alerts"`
}

type amAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// datadogAlert is the default Datadog webhook template.
type datadogAlert struct {
	ID         string  `json:"id"`
	AlertID    string  `json:"alert_id"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	AlertType  string  `json:"alert_type"`
	Transition string  `json:"alert_transition"`
	Priority   string  `json:"priority"`
	Metric     string  `json:"alert_metric"`
	Host       string  `json:"host"`
	Link       string  `json:"link"`
	Tags       tagList `json:"tags"`
	// Date is epoch milliseconds.
	Date int64 `json:"date"`
}

// tagList accepts Datadog tags as either "k:v,k2:v2" or ["k:v", "k2:v2"].
type tagList []string

func (t *tagList) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("[")) {
		var s []string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = s
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*t = append(*t, part)
		}
	}
	return nil
}

func (t tagList) value(key string) string {
	prefix := key + ":"
	for _, tag := range t {
		if strings.HasPrefix(tag, prefix) {
			return strings.TrimPrefix(tag, prefix)
		}
	}
	return ""
}

// datadogTitlePrefix matches "[Triggered]" or "[Triggered on {host:web-1}]".
var datadogTitlePrefix = regexp.MustCompile(`^\[[^\]]*\]\s*`)

func normalizeMonitor(sig Signal) (NormalizedEvent, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(sig.Body, &probe); err != nil {
		return NormalizedEvent{}, malformed("decoding monitor alert: %v", err)
	}
	if _, ok := probe["alerts"]; ok {
		return fromAlertmanager(sig.Body)
	}
	return fromDatadog(sig.Body)
}

func fromAlertmanager(body []byte) (NormalizedEvent, error) {
	var p alertmanagerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return NormalizedEvent{}, malformed("decoding alertmanager payload: %v", err)
	}

	var alert *amAlert
	for i := range p.Alerts {
		if p.Alerts[i].Status == "firing" {
			alert = &p.Alerts[i]
			break
		}
	}
	if alert == nil {
		if len(p.Alerts) == 0 {
			return NormalizedEvent{}, malformed("alertmanager payload has no alerts")
		}
		return NormalizedEvent{}, fmt.Errorf("%w: all alerts resolved", ErrNotActionable)
	}

	labels := mergeLabels(p.CommonLabels, alert.Labels)
	annotations := mergeLabels(p.CommonAnnotations, alert.Annotations)

	name := labels["alertname"]
	if name == "" {
		return NormalizedEvent{}, malformed("alert has no alertname label")
	}
	origin := firstNonEmpty(labels["service"], labels["job"], labels["app"], labels["instance"])
	if origin == "" {
		return NormalizedEvent{}, malformed("alert %s has no service, job or instance label", name)
	}
	desc := firstNonEmpty(annotations["summary"], annotations["description"], name)
	category := labels["category"]
	if category == "" {
		category = CategoryAlert
	}

	ctx := map[string]any{
		"fingerprint": alert.Fingerprint,
		"receiver":    p.Receiver,
	}
	for k, v := range labels {
		ctx["label."+k] = v
	}
	for k, v := range annotations {
		ctx["annotation."+k] = v
	}
	if q := annotations["query"]; q != "" {
		ctx["query"] = q
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     name,
		Category:    category,
		Severity:    ParseSeverity(labels["severity"]),
		Description: desc,
		URL:         alert.GeneratorURL,
		Context:     ctx,
		OccurredAt:  alert.StartsAt.UTC(),
	}, nil
}

func fromDatadog(body []byte) (NormalizedEvent, error) {
	var a datadogAlert
	if err := json.Unmarshal(body, &a); err != nil {
		return NormalizedEvent{}, malformed("decoding datadog alert: %v", err)
	}
	if a.Title == "" {
		return NormalizedEvent{}, malformed("alert title is required")
	}
	if strings.EqualFold(a.Transition, "Recovered") || strings.EqualFold(a.AlertType, "success") {
		return NormalizedEvent{}, fmt.Errorf("%w: alert recovered", ErrNotActionable)
	}

	origin := firstNonEmpty(a.Tags.value("service"), a.Host)
	if origin == "" {
		return NormalizedEvent{}, malformed("alert %q has no service tag or host", a.Title)
	}
	subject := datadogTitlePrefix.ReplaceAllString(a.Title, "")
	if subject == "" {
		subject = a.Title
	}
	category := firstNonEmpty(a.Tags.value("category"), CategoryAlert)

	severity := ParseSeverity(a.Priority)
	if a.Priority == "" {
		severity = ParseSeverity(a.AlertType)
	}

	var occurred time.Time
	if a.Date > 0 {
		occurred = time.UnixMilli(a.Date).UTC()
	}

	tags := append([]string(nil), a.Tags...)
	sort.Strings(tags)
	ctx := map[string]any{
		"alert_id":   firstNonEmpty(a.AlertID, a.ID),
		"alert_type": a.AlertType,
		"transition": a.Transition,
		"host":       a.Host,
		"tags":       tags,
	}
	if a.Metric != "" {
		ctx["metric"] = a.Metric
	}
	if q := a.Tags.value("query"); q != "" {
		ctx["query"] = q
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     subject,
		Category:    category,
		Severity:    severity,
		Description: firstNonEmpty(a.Body, subject),
		URL:         a.Link,
		Context:     ctx,
		OccurredAt:  occurred,
	}, nil
}

func mergeLabels(common, own map[string]string) map[string]string {
	out := make(map[string]string, len(common)+len(own))
	for k, v := range common {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
