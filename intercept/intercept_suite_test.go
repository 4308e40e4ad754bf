package intercept

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/u2386/go-interpose/hook"
)

func TestIntercept(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Intercept Suite")
}

var (
	_ hook.Interceptor = (*Slot)(nil)
	_ hook.Interceptor = (*Native)(nil)
)

var _ = Describe("Slot", func() {
	var (
		s    *Slot
		cell *uintptr
		addr uintptr
	)

	BeforeEach(func() {
		s = NewSlot()
		cell = new(uintptr)
		*cell = 0x1234
		addr = uintptr(unsafe.Pointer(cell))
	})

	It("should swap the cell and report what it held", func() {
		origin, err := s.Install(addr, 0x5678)
		Expect(err).To(BeNil())
		Expect(origin).To(Equal(uintptr(0x1234)))
		Expect(*cell).To(Equal(uintptr(0x5678)))

		Expect(s.Redirect(addr, 0x9abc)).To(Succeed())
		Expect(*cell).To(Equal(uintptr(0x9abc)))

		Expect(s.Remove(addr)).To(Succeed())
		Expect(*cell).To(Equal(uintptr(0x1234)))
	})

	It("should refuse a second install and unknown cells", func() {
		_, err := s.Install(addr, 0x5678)
		Expect(err).To(BeNil())

		_, err = s.Install(addr, 0x9abc)
		Expect(errors.Is(err, ErrAlreadyInstalled)).To(BeTrue())

		other := new(uintptr)
		Expect(errors.Is(s.Redirect(uintptr(unsafe.Pointer(other)), 1), ErrNotInstalled)).To(BeTrue())
		Expect(errors.Is(s.Remove(uintptr(unsafe.Pointer(other))), ErrNotInstalled)).To(BeTrue())
	})

	It("should refuse an empty cell", func() {
		*cell = 0
		_, err := s.Install(addr, 0x5678)
		Expect(errors.Is(err, ErrEmptySlot)).To(BeTrue())
	})

	It("should report unmapped cells", func() {
		_, err := s.Install(0x10, 0x5678)
		Expect(errors.Is(err, ErrFault)).To(BeTrue())
	})

	Context("Read-only page", func() {
		var page []byte

		BeforeEach(func() {
			var err error
			page, err = unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
			Expect(err).To(BeNil())

			addr = uintptr(unsafe.Pointer(&page[64]))
			*(*uintptr)(unsafe.Pointer(&page[64])) = 0x1234
			Expect(unix.Mprotect(page, unix.PROT_READ)).To(Succeed())
		})

		AfterEach(func() {
			Expect(unix.Munmap(page)).To(Succeed())
		})

		It("should write through the protection and keep it", func() {
			origin, err := s.Install(addr, 0x5678)
			Expect(err).To(BeNil())
			Expect(origin).To(Equal(uintptr(0x1234)))
			Expect(*(*uintptr)(unsafe.Pointer(&page[64]))).To(Equal(uintptr(0x5678)))

			Expect(tryStore(addr, 0x1)).To(BeFalse())
			Expect(s.Remove(addr)).To(Succeed())
			Expect(*(*uintptr)(unsafe.Pointer(&page[64]))).To(Equal(uintptr(0x1234)))
		})
	})
})
