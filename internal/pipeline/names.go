package pipeline

import "fmt"

func opName(op Operation) string {
	return fmt.Sprintf("%T", op)
}

func eventName(ev Event) string {
	return fmt.Sprintf("%T", ev)
}
