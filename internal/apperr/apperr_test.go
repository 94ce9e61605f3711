package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Validation("bad input")); got != CodeValidation {
		t.Errorf("expected validation code, got %s", got)
	}
	if got := CodeOf(NotFound("rule")); got != CodeNotFound {
		t.Errorf("expected not_found code, got %s", got)
	}

	wrapped := fmt.Errorf("outer: %w", Wrap(CodePersistence, "insert failed", errors.New("disk full")))
	if got := CodeOf(wrapped); got != CodePersistence {
		t.Errorf("code not found through wrapping, got %s", got)
	}

	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("expected internal default, got %s", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:     http.StatusBadRequest,
		CodeNotFound:       http.StatusNotFound,
		CodePersistence:    http.StatusInternalServerError,
		CodeBusUnavailable: http.StatusInternalServerError,
		CodeInternal:       http.StatusInternalServerError,
		Code("unknown"):    http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodePersistence, "query failed", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("cause missing from message: %q", err.Error())
	}
}

func TestSanitizeStringProduction(t *testing.T) {
	old := ProductionMode
	ProductionMode = true
	defer func() { ProductionMode = old }()

	if got := SanitizeString("open /etc/minewatch/secret.yaml failed"); strings.Contains(got, "/etc/") {
		t.Errorf("file path leaked: %q", got)
	}

	got := SanitizeString("dial tcp 192.168.10.42: refused")
	if strings.Contains(got, "10.42") {
		t.Errorf("IP not masked: %q", got)
	}

	if got := SanitizeString("pq: duplicate key value"); got != "storage operation failed" {
		t.Errorf("driver error leaked: %q", got)
	}
}

func TestSanitizeStringDevelopment(t *testing.T) {
	old := ProductionMode
	ProductionMode = false
	defer func() { ProductionMode = old }()

	in := "pq: duplicate key on /var/lib/data"
	if got := SanitizeString(in); got != in {
		t.Errorf("development mode must pass through, got %q", got)
	}
}

func TestPublicMessage(t *testing.T) {
	old := ProductionMode
	ProductionMode = true
	defer func() { ProductionMode = old }()

	// Validation text is caller-facing and passes through.
	if got := PublicMessage(Validation("pattern is required")); got != "pattern is required" {
		t.Errorf("validation message changed: %q", got)
	}

	// Internal causes are sanitized.
	err := Wrap(CodePersistence, "insert failed", errors.New("pq: unique violation"))
	if got := PublicMessage(err); strings.Contains(got, "pq:") {
		t.Errorf("driver detail leaked: %q", got)
	}

	if got := PublicMessage(nil); got != "" {
		t.Errorf("expected empty message for nil, got %q", got)
	}
}
