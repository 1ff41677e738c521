package watchdog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	messageRE = regexp.MustCompile(`To cancel event (0x[0-9a-fA-F]{64}), enter code ([0-9]{6})`)
	idRE      = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	codeRE    = regexp.MustCompile(`^[0-9]{6}$`)
)

// LinkBuilder turns alerts into one-click cancel links.
type LinkBuilder struct {
	baseURL string
}

// NewLinkBuilder creates a builder for links under baseURL, for example
// "https://vault.example/watchdog/cancel".
func NewLinkBuilder(baseURL string) *LinkBuilder {
	return &LinkBuilder{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// CancelLink creates the link sent along with an alert
func (lb *LinkBuilder) CancelLink(alert Alert) string {
	params := url.Values{}
	params.Set("id", alert.ID.Hex())
	params.Set("code", alert.Code)
	return fmt.Sprintf("%s?%s", lb.baseURL, params.Encode())
}

// ParseCancelLink extracts operation id and code from a cancel link.
func ParseCancelLink(link string) (common.Hash, string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("invalid cancel link: %v", err)
	}
	q := u.Query()
	return parseIDAndCode(q.Get("id"), q.Get("code"))
}

// ParseCancelMessage extracts operation id and code from the text of an
// alert, as a user would paste it back.
func ParseCancelMessage(msg string) (common.Hash, string, error) {
	matches := messageRE.FindStringSubmatch(msg)
	if len(matches) != 3 {
		return common.Hash{}, "", fmt.Errorf("invalid cancel message format")
	}
	return parseIDAndCode(matches[1], matches[2])
}

func parseIDAndCode(id, code string) (common.Hash, string, error) {
	if !idRE.MatchString(id) {
		return common.Hash{}, "", fmt.Errorf("invalid operation id %q", id)
	}
	if !codeRE.MatchString(code) {
		return common.Hash{}, "", fmt.Errorf("invalid cancel code %q", code)
	}
	return common.HexToHash(id), code, nil
}
