package mesh

// Observer receives mesh events. Every method except SendRejected runs on
// the I/O goroutine and must not block or call back into the Mesh.
type Observer interface {
	ConnectionAdded(id ID, remote string)
	ConnectionRemoved(id ID, cause error)
	MessageReceived(id ID, size int)
	MessageSent(id ID, size int)
	// SendRejected runs on the caller of Send when the outbox is full.
	SendRejected(id ID)
	ReadPaused(id ID)
	ReadResumed(id ID)
}

type nopObserver struct{}

func (nopObserver) ConnectionAdded(ID, string)  {}
func (nopObserver) ConnectionRemoved(ID, error) {}
func (nopObserver) MessageReceived(ID, int)     {}
func (nopObserver) MessageSent(ID, int)         {}
func (nopObserver) SendRejected(ID)             {}
func (nopObserver) ReadPaused(ID)               {}
func (nopObserver) ReadResumed(ID)              {}
