package clientset

import (
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	rest "k8s.io/client-go/rest"

	"github.com/zalando-incubator/rollover-controller/pkg/router"
)

type Interface interface {
	kubernetes.Interface
	RouteGroups(namespace string) dynamic.ResourceInterface
}

type Clientset struct {
	kubernetes.Interface
	dynamic dynamic.Interface
}

func NewClientset(kubernetes kubernetes.Interface, dynamic dynamic.Interface) *Clientset {
	return &Clientset{
		kubernetes,
		dynamic,
	}
}

func NewForConfig(kubeconfig *rest.Config) (*Clientset, error) {
	kubeClient, err := kubernetes.NewForConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	dynamicClient, err := dynamic.NewForConfig(kubeconfig)
	if err != nil {
		return nil, err
	}

	return &Clientset{kubeClient, dynamicClient}, nil
}

// RouteGroups returns a namespaced client for skipper route groups.
func (c *Clientset) RouteGroups(namespace string) dynamic.ResourceInterface {
	return c.dynamic.Resource(router.RouteGroupGVR).Namespace(namespace)
}
