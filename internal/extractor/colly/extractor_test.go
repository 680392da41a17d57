package colly

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchgate/fetchgate/internal/fetch"
)

const productHTML = `<!DOCTYPE html>
<html><head><title>Widget</title></head>
<body>
  <h1 class="product-title">Deluxe Widget</h1>
  <span class="price">19.99</span>
  <div class="stock">In stock</div>
</body></html>`

func newTestExtractor(serverURL string) *Extractor {
	return New(Config{
		Sources: map[string]SourceConfig{
			"retailer-a": {
				Operations: map[string]OperationConfig{
					"product": {
						URLTemplate: serverURL + "/product/{sku}",
						Selectors: map[string]string{
							"title": "h1.product-title",
							"price": "span.price",
							"stock": "div.stock",
						},
					},
				},
			},
		},
	}, zap.NewNop())
}

func productRequest(fields ...string) fetch.Request {
	return fetch.Request{
		Source:    "retailer-a",
		Operation: "product",
		Target:    map[string]any{"sku": "B00X"},
		Fields:    fields,
	}
}

func TestExecuteExtractsSelectorFields(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/product/B00X", r.URL.Path)
		fmt.Fprint(w, productHTML)
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	outcome, err := e.Execute(context.Background(), productRequest(), fetch.IdentityHints{})
	require.NoError(t, err)
	require.Equal(t, "Deluxe Widget", outcome.Data["title"])
	require.Equal(t, "19.99", outcome.Data["price"])
	require.Equal(t, "In stock", outcome.Data["stock"])
}

func TestExecuteRestrictsToRequestedFields(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, productHTML)
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	outcome, err := e.Execute(context.Background(), productRequest("title"), fetch.IdentityHints{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"title": "Deluxe Widget"}, outcome.Data)
}

func TestExecuteAppliesIdentityHints(t *testing.T) {
	t.Parallel()
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		fmt.Fprint(w, productHTML)
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	_, err := e.Execute(context.Background(), productRequest(), fetch.IdentityHints{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Locale:    "en-GB",
	})
	require.NoError(t, err)
	require.Equal(t, "Mozilla/5.0 (X11; Linux x86_64)", gotUA)
	require.Equal(t, "en-GB", gotLang)
}

func TestExecuteClassifiesStatusCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		code   fetch.Code
	}{
		{http.StatusForbidden, fetch.CodeSourceBlocked},
		{http.StatusTooManyRequests, fetch.CodeSourceBlocked},
		{http.StatusNotFound, fetch.CodeNonRetryable},
		{http.StatusBadRequest, fetch.CodeNonRetryable},
		{http.StatusBadGateway, fetch.CodeNetwork},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			e := newTestExtractor(srv.URL)
			_, err := e.Execute(context.Background(), productRequest(), fetch.IdentityHints{})
			require.Equal(t, tc.code, fetch.CodeOf(err))
		})
	}
}

func TestExecuteDetectsChallengePage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>Please complete the CAPTCHA to verify you are human and continue browsing this site.</p></body></html>`)
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	_, err := e.Execute(context.Background(), productRequest(), fetch.IdentityHints{})
	require.Equal(t, fetch.CodeSourceBlocked, fetch.CodeOf(err))
}

func TestExecuteTreatsTinyBodyAsChallenge(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	e := newTestExtractor(srv.URL)
	_, err := e.Execute(context.Background(), productRequest(), fetch.IdentityHints{})
	require.Equal(t, fetch.CodeSourceBlocked, fetch.CodeOf(err))
}

func TestExecuteRejectsUnknownSourceAndOperation(t *testing.T) {
	t.Parallel()
	e := newTestExtractor("http://127.0.0.1:0")

	req := productRequest()
	req.Source = "retailer-z"
	_, err := e.Execute(context.Background(), req, fetch.IdentityHints{})
	require.Equal(t, fetch.CodeSourceNotSupported, fetch.CodeOf(err))

	req = productRequest()
	req.Operation = "reviews"
	_, err = e.Execute(context.Background(), req, fetch.IdentityHints{})
	require.Equal(t, fetch.CodeOperationNotSupported, fetch.CodeOf(err))
}

func TestExecuteValidatesTemplateTarget(t *testing.T) {
	t.Parallel()
	e := newTestExtractor("http://127.0.0.1:0")

	req := productRequest()
	req.Target = map[string]any{"asin": "B00X"}
	_, err := e.Execute(context.Background(), req, fetch.IdentityHints{})
	require.Equal(t, fetch.CodeValidation, fetch.CodeOf(err))

	req = productRequest()
	req.Target = map[string]any{"sku": 42}
	_, err = e.Execute(context.Background(), req, fetch.IdentityHints{})
	require.Equal(t, fetch.CodeValidation, fetch.CodeOf(err))
}

func TestExpandTemplateEscapesTargetValues(t *testing.T) {
	t.Parallel()

	got, err := ExpandTemplate("https://example.com/product/{sku}", map[string]any{
		"sku": "a b/c?d",
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/product/a%20b%2Fc%3Fd", got)

	got, err = ExpandTemplate("https://example.com/{shop}/item/{sku}", map[string]any{
		"shop": "../admin",
		"sku":  "B00X#frag",
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/..%2Fadmin/item/B00X%23frag", got)
}
