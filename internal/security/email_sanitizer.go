package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer はメール本文のHTMLを許可リストで無害化する。
type HTMLSanitizer interface {
	Sanitize(rawHTML string) string
}

// emailSanitizer はbluemondayのポリシーを保持する。ポリシーは並行利用に対して安全。
type emailSanitizer struct {
	policy *bluemonday.Policy
}

// NewEmailSanitizer は通知メール用のHTMLSanitizerを生成する。
//   - 許可タグ: h2, h3, p, br, strong, em, ul, li, table系, span
//   - aタグはhttpsの絶対URLのみ。target="_blank"とrel="noopener noreferrer"を付与
//   - style属性、on*属性、script/iframe等は除去
func NewEmailSanitizer() *emailSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"h2", "h3", "p", "br", "strong", "em", "ul", "li", "span",
		"table", "thead", "tbody", "tr",
	)
	p.AllowAttrs("colspan").Matching(bluemonday.Integer).OnElements("td", "th")
	p.AllowElements("td", "th")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &emailSanitizer{policy: p}
}

// Sanitize はHTMLを無害化する。同一入力には常に同一出力を返す。
func (s *emailSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
