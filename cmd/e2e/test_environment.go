package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zalando-incubator/rollover-controller/pkg/clientset"
	appsv1 "k8s.io/client-go/kubernetes/typed/apps/v1"
	autoscalingv2 "k8s.io/client-go/kubernetes/typed/autoscaling/v2"
	corev1typed "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	waitTimeout = 5 * time.Minute

	// brokenImage answers nothing that resembles an identity document, so a
	// rollover to it must fail the health gate.
	brokenImage = "registry.opensource.zalan.do/teapot/skipper:v0.13.21"
)

var (
	client       = createClient()
	namespace    = requiredEnvar("E2E_NAMESPACE")
	demoAppImage = requiredEnvar("DEMO_APP_IMAGE")
)

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true})
}

func createClient() clientset.Interface {
	kubeconfig := os.Getenv("KUBECONFIG")

	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		panic(err)
	}

	c, err := clientset.NewForConfig(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

func deploymentInterface() appsv1.DeploymentInterface {
	return client.AppsV1().Deployments(namespace)
}

func serviceInterface() corev1typed.ServiceInterface {
	return client.CoreV1().Services(namespace)
}

func hpaInterface() autoscalingv2.HorizontalPodAutoscalerInterface {
	return client.AutoscalingV2().HorizontalPodAutoscalers(namespace)
}

func requiredEnvar(envar string) string {
	value := os.Getenv(envar)
	if value == "" {
		panic(fmt.Sprintf("%s not set", envar))
	}
	return value
}
