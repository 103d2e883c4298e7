// Package soap implements the minimal SOAP 1.1 surface the clearing-house
// exposes: single-payload XML over HTTPS with a WS-Security UsernameToken
// header. Only the three operations the engine consumes are modelled.
package soap

import "encoding/xml"

const (
	envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	wsseNS     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
)

// Credentials is one facility's rotating login pair. Never logged.
type Credentials struct {
	Login    string
	Password string
}

type usernameToken struct {
	XMLName  xml.Name `xml:"wsse:UsernameToken"`
	Username string   `xml:"wsse:Username"`
	Password string   `xml:"wsse:Password"`
}

type security struct {
	XMLName xml.Name `xml:"wsse:Security"`
	XMLNS   string   `xml:"xmlns:wsse,attr"`
	Token   usernameToken
}

type requestHeader struct {
	XMLName  xml.Name `xml:"soap:Header"`
	Security security
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"soap:Envelope"`
	XMLNS   string   `xml:"xmlns:soap,attr"`
	Header  requestHeader
	Body    requestBody
}

type requestBody struct {
	XMLName xml.Name `xml:"soap:Body"`
	Payload any
}

func newEnvelope(creds Credentials, payload any) requestEnvelope {
	return requestEnvelope{
		XMLNS: envelopeNS,
		Header: requestHeader{
			Security: security{
				XMLNS: wsseNS,
				Token: usernameToken{Username: creds.Login, Password: creds.Password},
			},
		},
		Body: requestBody{Payload: payload},
	}
}

// Fault is a SOAP fault decoded from a 500 response.
type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *Fault `xml:"Fault"`
	} `xml:"Body"`
}

// Request payloads. Element names follow the clearing-house WSDL.

type searchTransactionsRequest struct {
	XMLName  xml.Name `xml:"SearchTransactions"`
	XMLNS    string   `xml:"xmlns,attr"`
	Login    string   `xml:"login"`
	Password string   `xml:"pwd"`
	Days     int      `xml:"nDays"`
}

type getTransactionRequest struct {
	XMLName  xml.Name `xml:"GetTransactionFile"`
	XMLNS    string   `xml:"xmlns,attr"`
	Login    string   `xml:"login"`
	Password string   `xml:"pwd"`
	FileID   string   `xml:"fileId"`
}

type setDownloadedRequest struct {
	XMLName  xml.Name `xml:"SetTransactionDownloaded"`
	XMLNS    string   `xml:"xmlns,attr"`
	Login    string   `xml:"login"`
	Password string   `xml:"pwd"`
	FileID   string   `xml:"fileId"`
}

// Response payloads. The service wraps every result in a Result integer:
// zero or positive is success, negative is a service-level error with
// errorMessage set.

type searchResponseEnvelope struct {
	Result  int    `xml:"Body>SearchTransactionsResponse>SearchTransactionsResult"`
	ListXML string `xml:"Body>SearchTransactionsResponse>foundTransactions"`
	Error   string `xml:"Body>SearchTransactionsResponse>errorMessage"`
}

type getTransactionResponse struct {
	Result   int    `xml:"Body>GetTransactionFileResponse>GetTransactionFileResult"`
	File     string `xml:"Body>GetTransactionFileResponse>fileContent"` // base64
	FileName string `xml:"Body>GetTransactionFileResponse>fileName"`
	Error    string `xml:"Body>GetTransactionFileResponse>errorMessage"`
}

type setDownloadedResponse struct {
	Result int    `xml:"Body>SetTransactionDownloadedResponse>SetTransactionDownloadedResult"`
	Error  string `xml:"Body>SetTransactionDownloadedResponse>errorMessage"`
}

// foundTransactions is itself an XML document embedded as a string: a
// Files element with one File child per transaction.
type transactionList struct {
	XMLName xml.Name         `xml:"Files"`
	Files   []transactionRow `xml:"File"`
}

type transactionRow struct {
	FileID          string `xml:"FileID"`
	FileName        string `xml:"FileName"`
	TransactionDate string `xml:"TransactionDate"`
	FileSize        int64  `xml:"Size"`
}
