package malloc

import "fmt"

func ExampleBuddyIndex_Allocate() {
	idx, err := NewBuddyIndex(4, 1)
	if err != nil {
		panic(err)
	}

	a, _ := idx.Allocate(2, 1)
	b, _ := idx.Allocate(2, 1)
	fmt.Println(a, b)
	idx.Deallocate(a, 2)
	idx.Deallocate(b, 2)
	// Output:
	// 0 2
}

func ExampleByteAllocator_Alloc() {
	up := NewSystemUpstream()
	a, err := NewByteAllocator(up, 16, 3)
	if err != nil {
		panic(err)
	}
	defer a.Release()

	ptr, size, ok := a.Alloc(10, 1, Zeroed)
	if !ok {
		panic("allocation failed")
	}
	fmt.Println(size)
	a.Dealloc(ptr, 10)
	// Output:
	// 16
}
