package mm

const (
	// UserBase is the lowest virtual address a user program may occupy.
	// The page at address 0 is never mapped so null dereferences fault
	// instead of reading mapped memory.
	UserBase = uintptr(0x1000)

	// UserCeiling is the exclusive upper bound of the user address window.
	UserCeiling = uintptr(128 * 1024 * 1024)

	// UserStackTop is the exclusive upper bound of the fixed user stack
	// window. The stack grows down from here.
	UserStackTop = uintptr(0x800000)

	// UserStackPages is the number of pages reserved for the user stack.
	UserStackPages = uintptr(4)
)
