package accounts

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/gocarina/gocsv"
	jsoniter "github.com/json-iterator/go"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var proxySchemeRegex = regexp.MustCompile(`^(socks5|http|https)://`)

// ValidationError aborts the whole load. Row is the 1 based data row, 0 for
// problems with the file layout.
type ValidationError struct {
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Row == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s on row %d", e.Reason, e.Row)
}

// WalletRow is one line of the wallets file after header normalization.
type WalletRow struct {
	PrivateKey     string `csv:"private_key"`
	Address        string `csv:"address"`
	Proxy          string `csv:"proxy"`
	DepositAddress string `csv:"deposit_address"`
}

var (
	knownColumns    = map[string]bool{"private_key": true, "address": true, "proxy": true, "deposit_address": true}
	requiredColumns = []string{"private_key", "address", "deposit_address"}
)

// normalizeHeader maps "Private key" to "private_key".
func normalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(h)), "_")
}

// rowsReader feeds pre-read rows to gocsv.
type rowsReader struct {
	rows [][]string
	pos  int
}

func (r *rowsReader) Read() ([]string, error) {
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	r.pos++
	return r.rows[r.pos-1], nil
}

func (r *rowsReader) ReadAll() ([][]string, error) {
	rest := r.rows[r.pos:]
	r.pos = len(r.rows)
	return rest, nil
}

// ReadWallets parses the wallets CSV. Headers are matched case and space
// insensitively; an unknown or missing column is a ValidationError.
func ReadWallets(in io.Reader) ([]WalletRow, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "failed reading wallets csv")
	}
	if len(records) == 0 {
		return nil, &ValidationError{Reason: "wallets file is empty"}
	}

	header := make([]string, len(records[0]))
	present := map[string]bool{}
	unknown := []string{}
	for i, h := range records[0] {
		header[i] = normalizeHeader(strings.TrimPrefix(h, "\ufeff"))
		if !knownColumns[header[i]] {
			unknown = append(unknown, header[i])
		}
		present[header[i]] = true
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{Reason: "unknown account columns: " + strings.Join(unknown, ", ")}
	}
	for _, col := range requiredColumns {
		if !present[col] {
			return nil, &ValidationError{Reason: fmt.Sprintf("missing %s column", col)}
		}
	}
	records[0] = header

	rows := []WalletRow{}
	if err := gocsv.UnmarshalCSV(&rowsReader{rows: records}, &rows); err != nil {
		return nil, errors.Wrap(err, "failed decoding wallets csv")
	}
	for i := range rows {
		rows[i].PrivateKey = strings.TrimSpace(rows[i].PrivateKey)
		rows[i].Address = strings.TrimSpace(rows[i].Address)
		rows[i].Proxy = strings.TrimSpace(rows[i].Proxy)
		rows[i].DepositAddress = strings.TrimSpace(rows[i].DepositAddress)
	}
	return rows, nil
}

// ReadEligibilities parses the address -> amount table. Amounts may be JSON
// numbers or decimal strings and must be whole non-negative base units.
func ReadEligibilities(in io.Reader) (map[string]*big.Int, error) {
	raw := map[string]interface{}{}
	dec := json.NewDecoder(in)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "malformed eligibilities file")
	}
	out := make(map[string]*big.Int, len(raw))
	for addr, v := range raw {
		amount, err := parseAmount(fmt.Sprint(v))
		if err != nil {
			return nil, errors.Wrapf(err, "eligibility for %s", addr)
		}
		out[model.LedgerKey(addr)] = amount
	}
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if v, ok := new(big.Int).SetString(s, 10); ok {
		if v.Sign() < 0 {
			return nil, errors.Errorf("negative amount %s", s)
		}
		return v, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || !r.IsInt() || r.Sign() < 0 {
		return nil, errors.Errorf("invalid amount %q", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// NormalizeProxy accepts scheme://... for http, https and socks5 and treats a
// bare user:pass@host:port as http.
func NormalizeProxy(proxy string) (string, error) {
	if proxy == "" {
		return "", nil
	}
	if !proxySchemeRegex.MatchString(proxy) {
		if strings.Contains(proxy, "/") {
			return "", errors.Errorf("invalid proxy %q", proxy)
		}
		proxy = "http://" + proxy
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return "", errors.Errorf("invalid proxy %q", proxy)
	}
	return proxy, nil
}

func validateRow(row WalletRow, n int) (*model.Account, error) {
	invalid := func(format string, args ...any) error {
		return &ValidationError{Row: n, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case row.PrivateKey == "":
		return nil, invalid("missing private key")
	case row.Address == "":
		return nil, invalid("missing address")
	case row.DepositAddress == "":
		return nil, invalid("missing deposit address")
	case !model.IsHex(row.PrivateKey):
		return nil, invalid("invalid private key %q", model.ShortenKey(row.PrivateKey))
	}
	address, err := model.NormalizeAddress(row.Address)
	if err != nil {
		return nil, invalid("invalid address %q", row.Address)
	}
	deposit, err := model.NormalizeAddress(row.DepositAddress)
	if err != nil {
		return nil, invalid("invalid deposit address %q", row.DepositAddress)
	}
	proxy, err := NormalizeProxy(row.Proxy)
	if err != nil {
		return nil, invalid("%s", err)
	}
	return &model.Account{
		PrivateKey:     row.PrivateKey,
		Address:        address,
		Proxy:          proxy,
		DepositAddress: deposit,
	}, nil
}

type Files struct {
	Wallets       string
	Eligibilities string
}

// Load builds the run's accounts: every row is validated, then rows that are
// not eligible or already claimed are dropped with a warning.
func Load(files Files, claimed func(address string) bool, logger *zap.Logger) ([]*model.Account, error) {
	logger = logger.Named("account_loader")
	logger.Info("loading accounts")

	ef, err := os.Open(files.Eligibilities)
	if err != nil {
		return nil, errors.Wrap(err, "failed opening eligibilities")
	}
	defer ef.Close()
	eligibilities, err := ReadEligibilities(ef)
	if err != nil {
		return nil, err
	}

	wf, err := os.Open(files.Wallets)
	if err != nil {
		return nil, errors.Wrapf(err, "file %q does not exist", files.Wallets)
	}
	defer wf.Close()
	rows, err := ReadWallets(wf)
	if err != nil {
		return nil, err
	}
	return Build(rows, eligibilities, claimed, logger)
}

func Build(rows []WalletRow, eligibilities map[string]*big.Int, claimed func(string) bool, logger *zap.Logger) ([]*model.Account, error) {
	accounts := []*model.Account{}
	seen := map[string]bool{}
	for i, row := range rows {
		if row.PrivateKey == "" && row.Address == "" {
			continue
		}
		acct, err := validateRow(row, i+1)
		if err != nil {
			return nil, err
		}
		amount, eligible := eligibilities[acct.Address]
		switch {
		case !eligible:
			logger.Warn(fmt.Sprintf("address %q is not eligible", acct.Address))
			continue
		case claimed != nil && claimed(acct.Address):
			logger.Warn(fmt.Sprintf("address %q is already claimed", acct.Address))
			continue
		case seen[acct.Address]:
			logger.Warn(fmt.Sprintf("address %q is listed more than once, keeping the first row", acct.Address))
			continue
		}
		seen[acct.Address] = true
		acct.Amount = amount
		accounts = append(accounts, acct)
	}
	logger.Info(fmt.Sprintf("loaded %d accounts", len(accounts)))
	return accounts, nil
}
