package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/lotteryd/internal/betstore"
)

func TestAppendSASToken(t *testing.T) {
	cases := []struct {
		endpoint, sas, want string
	}{
		{"https://acct.blob.core.windows.net", "?sv=1&sig=x", "https://acct.blob.core.windows.net?sv=1&sig=x"},
		{"https://acct.blob.core.windows.net/?a=b", "sv=1", "https://acct.blob.core.windows.net/?a=b&sv=1"},
	}
	for _, tc := range cases {
		got, err := appendSASToken(tc.endpoint, tc.sas)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Container: "bets"},
		{Account: "acct"},
		{Account: "acct", Container: "bets"},
	} {
		if _, err := New(ctx, cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(fmt.Errorf("create: %w", exists)) {
		t.Fatal("expected container exists match")
	}
	busy := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	if !betstore.IsTransient(wrapError(busy)) {
		t.Fatal("expected 503 to be transient")
	}
	denied := &azcore.ResponseError{StatusCode: http.StatusForbidden}
	if betstore.IsTransient(wrapError(denied)) {
		t.Fatal("403 must not be transient")
	}
	if betstore.IsTransient(wrapError(errors.New("plain"))) {
		t.Fatal("plain errors must not be transient")
	}
}
