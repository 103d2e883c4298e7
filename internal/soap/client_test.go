package soap

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hcledger/claimsink/internal/types"
)

var testCreds = Credentials{Login: "DHA-F-0000123", Password: "hunter2"}

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Options{
		Endpoint: srv.URL,
		Retries:  RetryPolicy{Max: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}, zap.NewNop())
	return c, srv
}

func searchBody(result int, listXML, errMsg string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>`)
	fmt.Fprintf(&b, `<SearchTransactionsResponse xmlns="http://www.eClaimLink.ae/"><SearchTransactionsResult>%d</SearchTransactionsResult>`, result)
	if listXML != "" {
		b.WriteString("<foundTransactions>")
		xml.EscapeText(&b, []byte(listXML))
		b.WriteString("</foundTransactions>")
	}
	if errMsg != "" {
		fmt.Fprintf(&b, "<errorMessage>%s</errorMessage>", errMsg)
	}
	b.WriteString(`</SearchTransactionsResponse></soap:Body></soap:Envelope>`)
	return b.String()
}

func TestSearchTransactionsDecodesList(t *testing.T) {
	list := `<Files>
		<File><FileID>F-100</FileID><FileName>SUB-100.xml</FileName><TransactionDate>15/03/2026 09:30</TransactionDate><Size>2048</Size></File>
		<File><FileID>F-101</FileID><FileName>REM-101.xml</FileName><TransactionDate>16/03/2026</TransactionDate><Size>512</Size></File>
	</Files>`

	var gotAction string
	var gotBody []byte
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, searchBody(2, list, ""))
	})

	txs, err := c.SearchTransactions(context.Background(), testCreds, 3)
	if err != nil {
		t.Fatalf("SearchTransactions: %v", err)
	}
	if gotAction != "http://www.eClaimLink.ae/SearchTransactions" {
		t.Errorf("SOAPAction = %q", gotAction)
	}
	if !strings.Contains(string(gotBody), "<nDays>3</nDays>") {
		t.Errorf("request body missing look-back window: %s", gotBody)
	}
	if !strings.Contains(string(gotBody), "<wsse:Username>DHA-F-0000123</wsse:Username>") {
		t.Error("request body missing security token")
	}
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if txs[0].FileID != "F-100" || txs[0].FileSize != 2048 {
		t.Errorf("first transaction = %+v", txs[0])
	}
	want := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	if !txs[0].TransactionDate.Equal(want) {
		t.Errorf("transaction date = %v, want %v", txs[0].TransactionDate, want)
	}
	if txs[1].TransactionDate.Hour() != 0 {
		t.Errorf("date-only layout parsed as %v", txs[1].TransactionDate)
	}
}

func TestSearchTransactionsEmptyList(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, searchBody(0, "", ""))
	})
	txs, err := c.SearchTransactions(context.Background(), testCreds, 3)
	if err != nil {
		t.Fatalf("SearchTransactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("transactions = %d, want 0", len(txs))
	}
}

func TestSearchTransactionsServiceError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, searchBody(-4, "", "invalid credentials"))
	})
	_, err := c.SearchTransactions(context.Background(), testCreds, 3)
	if err == nil {
		t.Fatal("negative service result did not error")
	}
	if types.KindOf(err) != types.KindFetchFatal {
		t.Errorf("kind = %v, want %v", types.KindOf(err), types.KindFetchFatal)
	}
	if !strings.Contains(err.Error(), "invalid credentials") {
		t.Errorf("error %q does not carry the service message", err)
	}
}

func TestGetTransactionDecodesPayload(t *testing.T) {
	raw := []byte(`<Claim.Submission><Header/></Claim.Submission>`)
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
			<GetTransactionFileResponse xmlns="http://www.eClaimLink.ae/">
				<GetTransactionFileResult>0</GetTransactionFileResult>
				<fileContent>%s</fileContent>
				<fileName>SUB-100.xml</fileName>
			</GetTransactionFileResponse></soap:Body></soap:Envelope>`,
			base64.StdEncoding.EncodeToString(raw))
	})
	data, err := c.GetTransaction(context.Background(), testCreds, "F-100")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if string(data) != string(raw) {
		t.Fatalf("payload = %q", data)
	}
}

func TestGetTransactionEmptyPayloadIsFatal(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
			<GetTransactionFileResponse xmlns="http://www.eClaimLink.ae/">
				<GetTransactionFileResult>0</GetTransactionFileResult>
				<fileContent></fileContent>
			</GetTransactionFileResponse></soap:Body></soap:Envelope>`)
	})
	_, err := c.GetTransaction(context.Background(), testCreds, "F-100")
	if types.KindOf(err) != types.KindFetchFatal {
		t.Fatalf("empty payload: kind = %v, err = %v", types.KindOf(err), err)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, searchBody(0, "", ""))
	})
	if _, err := c.SearchTransactions(context.Background(), testCreds, 3); err != nil {
		t.Fatalf("SearchTransactions after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no", http.StatusUnauthorized)
	})
	_, err := c.SearchTransactions(context.Background(), testCreds, 3)
	if types.KindOf(err) != types.KindFetchFatal {
		t.Fatalf("kind = %v, err = %v", types.KindOf(err), err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want exactly 1 for a 4xx", calls.Load())
	}
}

func TestSOAPFaultSurfacesInError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
			<soap:Fault><faultcode>soap:Server</faultcode><faultstring>backend offline</faultstring></soap:Fault>
		</soap:Body></soap:Envelope>`)
	})
	_, err := c.SearchTransactions(context.Background(), testCreds, 3)
	if err == nil {
		t.Fatal("fault response did not error")
	}
	if !strings.Contains(err.Error(), "backend offline") {
		t.Errorf("error %q does not carry the fault string", err)
	}
}

func TestSetTransactionDownloaded(t *testing.T) {
	var gotBody []byte
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>
			<SetTransactionDownloadedResponse xmlns="http://www.eClaimLink.ae/">
				<SetTransactionDownloadedResult>0</SetTransactionDownloadedResult>
			</SetTransactionDownloadedResponse></soap:Body></soap:Envelope>`)
	})
	if err := c.SetTransactionDownloaded(context.Background(), testCreds, "F-100"); err != nil {
		t.Fatalf("SetTransactionDownloaded: %v", err)
	}
	if !strings.Contains(string(gotBody), "<fileId>F-100</fileId>") {
		t.Errorf("request body missing file id: %s", gotBody)
	}
}
