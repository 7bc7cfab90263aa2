package runtime_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"

	"github.com/mrhapile/crossroads/runtime"
)

var _ = Describe("ExecutionContext", func() {
	var ec *runtime.ExecutionContext

	BeforeEach(func() {
		ec = runtime.NewExecutionContext()
	})

	It("should have no current request before Bind", func() {
		_, err := ec.Current()

		Expect(errors.Is(err, runtime.ErrNoRequestBound)).To(BeTrue())
		assert.Empty(GinkgoT(), ec.LastError())
	})

	It("should resolve a bound handle to its request", func() {
		req := newRequest("/")

		h := ec.Bind(req)

		got, err := ec.Lookup(h)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(req))
		current, err := ec.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(current).To(BeIdenticalTo(req))
	})

	It("should make the latest bind current", func() {
		first, second := newRequest("/1"), newRequest("/2")
		h1 := ec.Bind(first)
		ec.Bind(second)

		current, err := ec.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(current).To(BeIdenticalTo(second))
		got, err := ec.Lookup(h1)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(first))
	})

	// =========================================================================
	// TEST: Handle isolation
	// Why: A handle must never resolve in a context that did not issue it.
	// =========================================================================
	It("should reject handles issued by another context", func() {
		other := runtime.NewExecutionContext()
		foreign := other.Bind(newRequest("/other"))
		ec.Bind(newRequest("/mine"))

		_, err := ec.Lookup(foreign)

		Expect(errors.Is(err, runtime.ErrInvalidHandle)).To(BeTrue())
	})

	It("should never issue the same handle twice", func() {
		seen := map[runtime.Handle]bool{}
		for i := 0; i < 100; i++ {
			h := runtime.NewExecutionContext().Bind(newRequest("/"))
			Expect(seen).NotTo(HaveKey(h))
			seen[h] = true
		}
	})

	It("should move a request out with Take", func() {
		req := newRequest("/")
		h := ec.Bind(req)

		got, err := ec.Take(h)

		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(req))
		_, err = ec.Lookup(h)
		Expect(errors.Is(err, runtime.ErrInvalidHandle)).To(BeTrue())
		_, err = ec.Current()
		Expect(errors.Is(err, runtime.ErrNoRequestBound)).To(BeTrue())
	})

	It("should revoke every handle on Release", func() {
		h := ec.Bind(newRequest("/"))

		ec.Release()

		_, err := ec.Lookup(h)
		Expect(errors.Is(err, runtime.ErrInvalidHandle)).To(BeTrue())
		_, err = ec.Current()
		Expect(errors.Is(err, runtime.ErrNoRequestBound)).To(BeTrue())

		late := ec.Bind(newRequest("/late"))
		_, err = ec.Lookup(late)
		Expect(errors.Is(err, runtime.ErrInvalidHandle)).To(BeTrue())
	})
})
