package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/textrewards/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))

		Convey("A new delivery is recorded once", func() {
			So(d.SeenAndRecord(ctx, "delivery-1"), ShouldBeFalse)
			So(d.SeenAndRecord(ctx, "delivery-1"), ShouldBeTrue)
			So(d.Size(), ShouldEqual, 1)
		})

		Convey("Unrecord lets a delivery through again", func() {
			d.SeenAndRecord(ctx, "delivery-1")
			d.Unrecord(ctx, "delivery-1")
			So(d.Size(), ShouldEqual, 0)
			So(d.SeenAndRecord(ctx, "delivery-1"), ShouldBeFalse)
		})

		Convey("Unrecording an unknown id is a no-op", func() {
			d.SeenAndRecord(ctx, "delivery-1")
			d.Unrecord(ctx, "delivery-9")
			So(d.Size(), ShouldEqual, 1)
		})

		Convey("At capacity the oldest delivery is forgotten first", func() {
			for i := 1; i <= 4; i++ {
				So(d.SeenAndRecord(ctx, fmt.Sprintf("delivery-%d", i)), ShouldBeFalse)
			}
			So(d.Size(), ShouldEqual, 3)
			So(d.SeenAndRecord(ctx, "delivery-4"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "delivery-2"), ShouldBeTrue)
			So(d.SeenAndRecord(ctx, "delivery-1"), ShouldBeFalse)
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.SeenAndRecord(ctx, fmt.Sprintf("delivery-%d", i))
		}

		Convey("Nothing is evicted", func() {
			So(d.Size(), ShouldEqual, 1000)
			So(d.SeenAndRecord(ctx, "delivery-0"), ShouldBeTrue)
		})
	})

	Convey("Given concurrent deliveries of the same id", t, func() {
		d := dedupe.NewInMemoryDeduper()
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			fresh int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !d.SeenAndRecord(ctx, "delivery-x") {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		Convey("Exactly one is treated as new", func() {
			So(fresh, ShouldEqual, 1)
		})
	})
}
