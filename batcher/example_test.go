package batcher_test

import (
	"fmt"
	"time"

	pacer "github.com/joeycumines/go-pacer"
	"github.com/joeycumines/go-pacer/batcher"
)

func ExampleBatcher() {
	scheduler := pacer.NewManualScheduler(time.Unix(0, 0))

	writes := batcher.NewBatcher(func(items []int) {
		fmt.Println(`writing batch:`, items)
	}, batcher.Options[int]{
		MaxSize:   3,
		Wait:      time.Second,
		Scheduler: scheduler,
	})

	// the size trigger fires as soon as the batch fills
	writes.AddItem(1)
	writes.AddItem(2)
	writes.AddItem(3)

	// a partial batch executes when the timer fires instead
	writes.AddItem(4)
	scheduler.Advance(time.Second)

	//output:
	//writing batch: [1 2 3]
	//writing batch: [4]
}
