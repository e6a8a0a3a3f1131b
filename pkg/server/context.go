package server

// Context is passed to message handlers. It is only valid for the
// duration of the handler call.
type Context struct {
	Room   *Room
	Member *Session
	Type   string
	Values map[string]any

	halt       bool
	serializer Serializer
}

func (c *Context) reset() {
	c.Room = nil
	c.Member = nil
	c.Type = ""
	c.Values = nil
	c.serializer = nil
	c.halt = false
}

// Set stores a value for the handlers following the current one.
func (c *Context) Set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Halt skips the remaining handlers.
func (c *Context) Halt() {
	c.halt = true
}

// Reply pushes a message to the sender.
func (c *Context) Reply(typ string, v any) error {
	data, err := marshalPayload(c.serializer, v)
	if err != nil {
		return err
	}
	return c.Member.send(Frame{Kind: KindMessage, Room: c.Room.ID(), Type: typ, Data: data})
}
