package fuelnet

import (
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("preview", func() {
	It("keeps a short body whole", func() {
		Expect(preview([]byte("bad gateway"))).To(Equal("bad gateway"))
	})

	It("cuts an ASCII body at the limit", func() {
		Expect(preview([]byte(strings.Repeat("a", 400)))).To(HaveLen(previewLimit))
	})

	It("does not split a multi-byte character at the limit", func() {
		// "ж" is two bytes, so the limit falls inside the last one.
		body := []byte(strings.Repeat("a", previewLimit-1) + strings.Repeat("ж", 10))
		got := preview(body)
		Expect(utf8.ValidString(got)).To(BeTrue())
		Expect(got).To(Equal(strings.Repeat("a", previewLimit-1)))
	})

	It("keeps Cyrillic error text readable", func() {
		got := preview([]byte(strings.Repeat("помилка ", 60)))
		Expect(utf8.ValidString(got)).To(BeTrue())
		Expect(len(got)).To(BeNumerically("<=", previewLimit))
		Expect(got).To(HavePrefix("помилка"))
	})
})

var _ = Describe("statusError", func() {
	It("carries a valid preview of the body", func() {
		err := statusError("listing cards", 500, []byte(strings.Repeat("я", 200)))
		var statusErr *StatusError
		Expect(errors.As(err, &statusErr)).To(BeTrue())
		Expect(utf8.ValidString(statusErr.Body)).To(BeTrue())
		Expect(statusErr.StatusCode).To(Equal(500))
	})

	It("marks a 401 as unauthorized", func() {
		Expect(errors.Is(statusError("listing cards", 401, nil), ErrUnauthorized)).To(BeTrue())
	})
})
