package store_test

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mrhapile/crossroads/store"
)

func openTestRedis(prefix string) *store.RedisStore {
	addr := os.Getenv("CROSSROADS_TEST_REDIS_ADDR")
	if addr == "" {
		Skip("CROSSROADS_TEST_REDIS_ADDR not set")
	}
	s, err := store.OpenRedis(context.Background(), addr, "", 0, store.WithKeyPrefix(prefix))
	Expect(err).NotTo(HaveOccurred())
	return s
}

// Runs against a real server when CROSSROADS_TEST_REDIS_ADDR is set. Each
// spec uses its own key prefix so runs never see each other's data.
var _ = Describe("RedisStore", func() {
	Describe("contract", func() {
		describeContract(func() store.Store {
			return openTestRedis(fmt.Sprintf("crossroads-test:%d:", time.Now().UnixNano()))
		})
	})

	It("should announce activations to subscribers", func() {
		prefix := fmt.Sprintf("crossroads-test:%d:", time.Now().UnixNano())
		publisher := openTestRedis(prefix)
		defer publisher.Close()
		subscriber := openTestRedis(prefix)
		defer subscriber.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		tags := make(chan string, 4)
		Expect(subscriber.Subscribe(ctx, func(tag string) { tags <- tag })).To(Succeed())

		_, err := publisher.Create(ctx, "alpha", []byte("one"))
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.SetCurrent(ctx, "alpha")).To(Succeed())
		Eventually(tags).Should(Receive(Equal("alpha")))

		Expect(publisher.ClearCurrent(ctx)).To(Succeed())
		Eventually(tags).Should(Receive(Equal("")))
	})

	It("should announce updates to the current extension only", func() {
		prefix := fmt.Sprintf("crossroads-test:%d:", time.Now().UnixNano())
		publisher := openTestRedis(prefix)
		defer publisher.Close()
		subscriber := openTestRedis(prefix)
		defer subscriber.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := publisher.Create(ctx, "alpha", []byte("one"))
		Expect(err).NotTo(HaveOccurred())
		_, err = publisher.Create(ctx, "beta", []byte("one"))
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.SetCurrent(ctx, "alpha")).To(Succeed())

		tags := make(chan string, 4)
		Expect(subscriber.Subscribe(ctx, func(tag string) { tags <- tag })).To(Succeed())

		_, err = publisher.Update(ctx, "beta", []byte("two"))
		Expect(err).NotTo(HaveOccurred())
		Consistently(tags, "100ms").ShouldNot(Receive())

		_, err = publisher.Update(ctx, "alpha", []byte("two"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(tags).Should(Receive(Equal("alpha")))
	})

	It("should fail to open an unreachable server", func() {
		_, err := store.OpenRedis(context.Background(), "127.0.0.1:1", "", 0)

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("failed to connect to redis"))
	})
})
